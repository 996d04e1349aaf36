package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/launcher"
	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

// State is the daemon lifecycle as known to the controller.
type State int

const (
	NotRunning State = iota
	Running
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "NotRunning"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidStateTransition is returned when an operation is not allowed in
// the current state.
var ErrInvalidStateTransition = errors.New("INVALID_STATE")

// TransitionError reports a rejected operation and the state it was
// attempted in.
type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// Error codes reported to operators and the audit trail.
const (
	CodeOK           = "OK"
	CodeOutOfRange   = "OUT_OF_RANGE"
	CodeInvalidState = "INVALID_STATE"
	CodeTimeout      = "TIMEOUT"
	CodeUnavailable  = "UNAVAILABLE"
	CodeLaunchFailed = "LAUNCH_FAILED"
	CodeCanceled     = "CANCELED"
	CodeInternal     = "INTERNAL"
)

// Code classifies err into one of the Code* values.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, policy.ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidState
	case errors.Is(err, control.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, control.ErrNotReady), errors.Is(err, control.ErrTransport),
		errors.Is(err, control.ErrRequestInFlight), errors.Is(err, control.ErrClosed):
		return CodeUnavailable
	case errors.Is(err, launcher.ErrLaunchFailed):
		return CodeLaunchFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
