package bridge

import (
	"errors"
	"fmt"
)

// ErrNoActiveRequest is returned by Decide when the id does not name the
// active intervention, including when none is active.
var ErrNoActiveRequest = errors.New("bridge: no active intervention request")

// ProtocolViolation reports an operator call the protocol does not allow. It is
// returned to the caller and never tears down the link.
type ProtocolViolation struct {
	Op  string
	ID  string
	Err error
}

func (e *ProtocolViolation) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("bridge %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bridge %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }
