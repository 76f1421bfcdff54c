package primenet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCheckIn is sent as the next check-in interval when the agent
	// runs a single cycle.
	DefaultCheckIn = 24 * time.Hour

	// UnknownETA is reported when no rate estimate exists.
	UnknownETA = 7 * 24 * time.Hour

	// applicationID must look like mprime or the server refuses the node.
	applicationID = "Linux64,Prime95"
)

// Register registers the node, minting a guid if it has none. The guid is
// persisted through the IdentityStore only after the server accepts it.
func (c *Client) Register(ctx context.Context) (string, error) {
	guid := c.GUID()
	if guid == "" {
		guid = NewGUID()
	}
	if err := c.register(ctx, guid); err != nil {
		return "", err
	}
	return guid, nil
}

func (c *Client) register(ctx context.Context, guid string) error {
	hw := c.cfg.Hardware
	if hw.Username == "" || hw.Hostname == "" {
		return errors.New("registration requires username and hostname")
	}

	fields := (&Params{}).
		Set("a", applicationID).
		Set("wg", "").
		Set("hd", hw.HardwareID()).
		Set("c", truncate(hw.CPUModel, 64)).
		Set("f", hw.Features).
		SetInt("L1", int64(hw.L1)).
		SetInt("L2", int64(hw.L2)).
		SetInt("np", int64(hw.NumCores)).
		SetInt("hp", 0).
		SetInt("m", int64(hw.Memory)).
		SetInt("s", int64(hw.Frequency)).
		SetInt("h", 24).
		SetInt("r", 1000).
		Set("u", hw.Username).
		Set("cn", truncate(hw.Hostname, 20))

	if _, err := c.attempt(ctx, guid, CmdUpdateCompute, fields); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := c.cfg.Identity.SaveGUID(guid); err != nil {
		return fmt.Errorf("persist guid: %w", err)
	}
	c.log.Info("Registered node", zap.String("guid", guid), zap.String("hostname", hw.Hostname))
	return nil
}

// ProgressReport is the payload of an assignment progress call.
type ProgressReport struct {
	AssignmentID string
	// PRP assignments omit the stage field.
	PRP       bool
	Percent   float64
	Iteration int64
	// ETA is the time to completion. Nil reports UnknownETA.
	ETA *time.Duration
	// CheckIn is when the node expects to report again. Zero reports
	// DefaultCheckIn.
	CheckIn time.Duration
}

// ReportProgress sends an assignment progress update.
func (c *Client) ReportProgress(ctx context.Context, r ProgressReport) error {
	eta := UnknownETA
	if r.ETA != nil {
		eta = *r.ETA
	}
	checkIn := r.CheckIn
	if checkIn <= 0 {
		checkIn = DefaultCheckIn
	}

	fields := (&Params{}).
		Set("k", r.AssignmentID).
		Set("p", strconv.FormatFloat(r.Percent, 'f', 4, 64)).
		SetInt("d", int64(checkIn/time.Second)).
		SetInt("e", int64(eta/time.Second)).
		SetInt("c", 0)
	if !r.PRP {
		fields.Set("stage", "LL")
	}
	if r.Iteration > 0 {
		fields.SetInt("iteration", r.Iteration)
	}

	if _, err := c.call(ctx, CmdAssignmentProgress, fields); err != nil {
		return err
	}
	c.log.Debug("Reported progress",
		zap.String("assignment", r.AssignmentID),
		zap.Float64("percent", r.Percent),
		zap.Duration("eta", eta))
	return nil
}

// Result type codes for the assignment result call.
const (
	resultLLComposite  = 100
	resultLLPrime      = 101
	resultPRPComposite = 150
	resultPRPPrime     = 151
)

// Result is a structured (JSON) result line written by the computation
// engine.
type Result struct {
	Status       string `json:"status"`
	Exponent     int64  `json:"exponent"`
	WorkType     string `json:"worktype"`
	Res64        string `json:"res64"`
	ShiftCount   int64  `json:"shift-count"`
	ErrorCode    string `json:"error-code"`
	AssignmentID string `json:"aid"`
	Program      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"program"`

	// Line is the raw result line as read from the results file.
	Line string `json:"-"`
}

// IsStructured reports whether line looks like a JSON result record.
func IsStructured(line string) bool {
	s := strings.TrimSpace(line)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// ParseResult decodes a structured result line.
func ParseResult(line string) (*Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &r); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	if r.Exponent <= 0 {
		return nil, fmt.Errorf("parse result: invalid exponent %d", r.Exponent)
	}
	r.Line = line
	return &r, nil
}

// IsPRP reports whether the result is a probable prime test.
func (r *Result) IsPRP() bool {
	return strings.HasPrefix(strings.ToUpper(r.WorkType), "PRP")
}

// IsPrime reports whether the engine found the number (probably) prime.
func (r *Result) IsPrime() bool {
	return r.Status == "P"
}

func (r *Result) resultType() int64 {
	switch {
	case r.IsPRP() && r.IsPrime():
		return resultPRPPrime
	case r.IsPRP():
		return resultPRPComposite
	case r.IsPrime():
		return resultLLPrime
	default:
		return resultLLComposite
	}
}

// SubmitResult sends a structured result through the keyed API.
func (c *Client) SubmitResult(ctx context.Context, r *Result) error {
	ec := r.ErrorCode
	if ec == "" {
		ec = "00000000"
	}
	fields := (&Params{}).
		Set("k", r.AssignmentID).
		Set("m", strings.TrimSpace(r.Line)).
		SetInt("r", r.resultType()).
		SetInt("d", 1).
		SetInt("n", r.Exponent).
		Set("rd", r.Res64).
		SetInt("sc", r.ShiftCount).
		Set("ec", ec)

	if _, err := c.call(ctx, CmdAssignmentResult, fields); err != nil {
		return err
	}
	c.log.Info("Submitted result",
		zap.Int64("exponent", r.Exponent),
		zap.String("assignment", r.AssignmentID))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
