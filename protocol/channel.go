package protocol

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("protocol: channel closed")

// Channel is a persistent duplex connection to the other side.
//
// Implementations must be safe for concurrent Send calls. Receive returns
// the same channel on every call; it is closed once the connection ends,
// either through Close or because the peer went away.
type Channel interface {
	Send(ctx context.Context, m Message) error
	Receive() <-chan Message
	Close() error
}
