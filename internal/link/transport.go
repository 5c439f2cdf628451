// Package link owns the physical connection to the daemon and keeps it alive:
// a Transport opens connections, and a Supervisor reconnects with bounded
// exponential backoff when one drops unexpectedly.
package link

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no connection is open. Frames are
	// never buffered for later delivery.
	ErrNotConnected = errors.New("link: not connected")

	// ErrLinkExhausted is carried by the FAILED state change once the reconnect
	// budget is spent.
	ErrLinkExhausted = errors.New("link: reconnect attempts exhausted")
)

// TransportError wraps a dial, read or write failure on the physical connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Conn is one open duplex connection.
//
// Read blocks until the next inbound frame and returns frames in receipt order.
// It returns an error exactly when the connection is gone (peer close, network
// error, local Close, or ctx cancellation); that error is the close reason.
// Close is idempotent.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Transport opens connections. Dial is the only operation allowed to block on
// connection setup.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
