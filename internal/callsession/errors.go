package callsession

import "github.com/pkg/errors"

var (
	ErrInvalidPeer       = errors.New("peer id is required")
	ErrSessionActive     = errors.New("a call session is already active")
	ErrNotRedialable     = errors.New("redial is only valid after no answer or failure")
	ErrNoSession         = errors.New("no call session")
	ErrTerminal          = errors.New("call session already terminated")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClosed            = errors.New("controller closed")
)

// StartFailure is recorded on a session whose start request was rejected by
// the Call Service.
type StartFailure struct {
	Cause error
}

func (e *StartFailure) Error() string {
	if e.Cause == nil {
		return "call start failed"
	}
	return "call start failed: " + e.Cause.Error()
}

func (e *StartFailure) Unwrap() error { return e.Cause }
