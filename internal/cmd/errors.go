package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
)

// Exit codes used by the commands.
var (
	exitInvalidArgument int = foundry.ExitInvalidArgument
	exitUnavailable     int = foundry.ExitExternalServiceUnavailable
	exitFileRead        int = foundry.ExitFileReadError
	exitFileWrite       int = foundry.ExitFileWriteError
)

// exitFailure covers errors that carry no specific code.
const exitFailure = 1

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for err: zero for nil, the carried code
// for an ExitError, and a generic failure code otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}
