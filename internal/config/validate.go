package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/primeloop/internal/assets/schemas"
)

// ErrInvalidConfig indicates the configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Mode selects the requirements a command places on the configuration.
type Mode int

const (
	// ModeRun needs forms credentials.
	ModeRun Mode = iota
	// ModeRegister needs the account name and a host name.
	ModeRegister
	// ModeStatus only reads local files.
	ModeStatus
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single configuration problem.
type ValidationError struct {
	// Path is the JSON pointer of the setting, e.g. "/cpu_model".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", strings.TrimPrefix(e.Path, "/"), e.Message)
}

// ValidationErrors collects every problem found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d configuration errors: %s", len(e), strings.Join(msgs, "; "))
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks the configuration before any network I/O.
func (c *Config) Validate(mode Mode) error {
	errs, err := validateNode(c.Node)
	if err != nil {
		return err
	}

	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, ValidationError{Path: "/" + field, Message: "is required"})
		}
	}
	switch mode {
	case ModeRun:
		require("username", c.Username)
		require("password", c.Password)
	case ModeRegister:
		require("username", c.Username)
		require("hostname", c.Hostname)
	}
	if c.Timeout < 0 {
		errs = append(errs, ValidationError{Path: "/timeout", Message: "must not be negative"})
	}
	if c.RateLimit < 0 {
		errs = append(errs, ValidationError{Path: "/rate_limit", Message: "must not be negative"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateNode(node Node) (ValidationErrors, error) {
	v, err := getValidator()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("serialize node config: %w", err)
	}
	diags, err := v.ValidateJSON(data)
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}

	var errs, root ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		e := ValidationError{Path: d.Pointer, Message: d.Message}
		if d.Pointer == "" {
			root = append(root, e)
			continue
		}
		errs = append(errs, e)
	}
	// The root diagnostic only summarizes the field errors beneath it.
	if len(errs) == 0 {
		return root, nil
	}
	return errs, nil
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.NodeConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile node config schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
