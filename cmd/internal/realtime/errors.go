package realtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers match them with errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidName  = errors.New("invalid channel name")
	ErrNameTaken    = errors.New("channel name taken")
	ErrNotFound     = errors.New("not found")
	ErrNotMember    = errors.New("not a channel member")

	// ErrDeliveryFailure wraps per-session send failures reported to the DeliveryObserver.
	// It never reaches the sender of a message.
	ErrDeliveryFailure = errors.New("delivery failure")
	ErrSessionClosed   = errors.New("session closed")
	ErrBackpressure    = errors.New("send queue full")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is always one of the sentinel kinds above. Msg is human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ErrorCode maps err to the stable wire code shared by the websocket and HTTP surfaces.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrNameTaken):
		return "name_taken"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "internal"
	}
}
