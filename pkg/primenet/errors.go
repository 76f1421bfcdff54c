package primenet

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the pnErrorResult value of a keyed API response.
type ErrorCode int

// Error codes returned by the v5 server.
const (
	ErrorNone                  ErrorCode = 0
	ErrorServerBusy            ErrorCode = 3
	ErrorInvalidVersion        ErrorCode = 4
	ErrorInvalidTransaction    ErrorCode = 5
	ErrorInvalidParameter      ErrorCode = 7
	ErrorAccessDenied          ErrorCode = 9
	ErrorDatabaseCorrupt       ErrorCode = 11
	ErrorDatabaseFullOrBroken  ErrorCode = 13
	ErrorInvalidUser           ErrorCode = 21
	ErrorUnregisteredCPU       ErrorCode = 30
	ErrorObsoleteClient        ErrorCode = 31
	ErrorStaleCPUInfo          ErrorCode = 32
	ErrorCPUIdentityMismatch   ErrorCode = 33
	ErrorCPUConfigMismatch     ErrorCode = 34
	ErrorNoAssignment          ErrorCode = 40
	ErrorInvalidAssignmentKey  ErrorCode = 43
	ErrorInvalidAssignmentType ErrorCode = 44
	ErrorInvalidResultType     ErrorCode = 45
	ErrorInvalidWorkType       ErrorCode = 46
	ErrorWorkNoLongerNeeded    ErrorCode = 47
)

var errorNames = map[ErrorCode]string{
	ErrorNone:                  "OK",
	ErrorServerBusy:            "SERVER_BUSY",
	ErrorInvalidVersion:        "INVALID_VERSION",
	ErrorInvalidTransaction:    "INVALID_TRANSACTION",
	ErrorInvalidParameter:      "INVALID_PARAMETER",
	ErrorAccessDenied:          "ACCESS_DENIED",
	ErrorDatabaseCorrupt:       "DATABASE_CORRUPT",
	ErrorDatabaseFullOrBroken:  "DATABASE_FULL_OR_BROKEN",
	ErrorInvalidUser:           "INVALID_USER",
	ErrorUnregisteredCPU:       "UNREGISTERED_CPU",
	ErrorObsoleteClient:        "OBSOLETE_CLIENT",
	ErrorStaleCPUInfo:          "STALE_CPU_INFO",
	ErrorCPUIdentityMismatch:   "CPU_IDENTITY_MISMATCH",
	ErrorCPUConfigMismatch:     "CPU_CONFIGURATION_MISMATCH",
	ErrorNoAssignment:          "NO_ASSIGNMENT",
	ErrorInvalidAssignmentKey:  "INVALID_ASSIGNMENT_KEY",
	ErrorInvalidAssignmentType: "INVALID_ASSIGNMENT_TYPE",
	ErrorInvalidResultType:     "INVALID_RESULT_TYPE",
	ErrorInvalidWorkType:       "INVALID_WORK_TYPE",
	ErrorWorkNoLongerNeeded:    "WORK_NO_LONGER_NEEDED",
}

func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// Action is the recovery step for a server error kind.
type Action int

const (
	// ActionNone: the call succeeded.
	ActionNone Action = iota
	// ActionRetry: transient condition, retry with backoff.
	ActionRetry
	// ActionReregister: registration details are stale; re-register with
	// the existing guid and retry once.
	ActionReregister
	// ActionNewIdentity: the guid is unknown to the server; mint a new one,
	// register it and retry once.
	ActionNewIdentity
	// ActionDrop: permanent failure; do not retry or requeue.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRetry:
		return "retry"
	case ActionReregister:
		return "reregister"
	case ActionNewIdentity:
		return "new-identity"
	default:
		return "drop"
	}
}

// Classify maps a server error code to its recovery action.
func Classify(code ErrorCode) Action {
	switch code {
	case ErrorNone:
		return ActionNone
	case ErrorServerBusy:
		return ActionRetry
	case ErrorStaleCPUInfo:
		return ActionReregister
	case ErrorUnregisteredCPU:
		return ActionNewIdentity
	default:
		return ActionDrop
	}
}

// Sentinel errors for client operations.
var (
	// ErrNotRegistered indicates a keyed API call was attempted without a guid.
	ErrNotRegistered = errors.New("node is not registered")

	// ErrMalformedResponse indicates the server reply could not be parsed.
	ErrMalformedResponse = errors.New("malformed server response")

	// ErrLoginFailed indicates the manual forms login was rejected.
	ErrLoginFailed = errors.New("login failed")

	// ErrRejected indicates the manual forms interface refused a submission.
	ErrRejected = errors.New("submission rejected")
)

// ServerError is a keyed API response with a nonzero pnErrorResult.
type ServerError struct {
	Command Command
	Code    ErrorCode
	Detail  string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("primenet %s: %s (%d): %s", e.Command, e.Code, int(e.Code), e.Detail)
	}
	return fmt.Sprintf("primenet %s: %s (%d)", e.Command, e.Code, int(e.Code))
}

// Action returns the recovery action for the error.
func (e *ServerError) Action() Action {
	return Classify(e.Code)
}

// TransportError wraps connection, timeout, HTTP status and decoding
// failures. These never reflect a server decision and are always retryable.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("primenet %s: %s: HTTP %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("primenet %s: %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is a permanent refusal from the manual forms interface.
type RejectedError struct {
	Op     string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("primenet %s: %s", e.Op, e.Detail)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Outcome is the caller-facing result of a protocol call.
type Outcome int

const (
	// OutcomeSuccess: the server accepted the call.
	OutcomeSuccess Outcome = iota
	// OutcomeTransportFailure: nothing was decided; try again next cycle.
	OutcomeTransportFailure
	// OutcomePermanentFailure: the server refused; drop the item.
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "permanent_failure"
	}
}

// OutcomeOf classifies the error returned by any client call.
//
// Transport errors, cancellation and a server that stayed busy past the
// retry budget are transport failures. Everything else is permanent.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var te *TransportError
	if errors.As(err, &te) {
		return OutcomeTransportFailure
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransportFailure
	}
	var se *ServerError
	if errors.As(err, &se) && se.Action() == ActionRetry {
		return OutcomeTransportFailure
	}
	return OutcomePermanentFailure
}

// IsTransport returns true if err should be retried on a later cycle.
func IsTransport(err error) bool {
	return OutcomeOf(err) == OutcomeTransportFailure
}

// IsPermanent returns true if the failed item must not be resent.
func IsPermanent(err error) bool {
	return err != nil && OutcomeOf(err) == OutcomePermanentFailure
}
