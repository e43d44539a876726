package ur_rtde

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by every call that needs an open channel when the session
	// has none.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidVector is returned when a joint or pose vector does not have six elements.
	ErrInvalidVector = errors.New("vector must have exactly 6 elements")
	// ErrMissingCapability is returned when the receive channel offers none of the accessors
	// that can serve a read.
	ErrMissingCapability = errors.New("missing capability")
	// ErrMoveNotConfirmed is recorded when a synchronous move started but the robot never
	// reported standstill inside the stop window.
	ErrMoveNotConfirmed = errors.New("move did not confirm completion")

	errRejected = errors.New("rejected by controller")
)

// CapabilityError reports a read the receive channel cannot serve and, when the accessor
// exists but failed, the error it returned.
type CapabilityError struct {
	Op   string
	Last error
}

func (e *CapabilityError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrMissingCapability)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrMissingCapability, e.Last)
}

func (e *CapabilityError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrMissingCapability}
	}
	return []error{ErrMissingCapability, e.Last}
}

// innermost returns the message of the deepest error in a pkg/errors or %w chain.
func innermost(err error) string {
	if err == nil {
		return ""
	}
	err = pkgerrors.Cause(err)
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
