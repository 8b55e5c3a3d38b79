// Package coordination maintains the persistent channel to the remote
// authority: connection state, the advisory section lock mirror, the
// presence count and pushed notifications.
package coordination

import (
	"context"

	"github.com/huykn/livesite/types"
)

// Transport dials the remote authority.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established connection. Read is called from a single
// goroutine; Write may be called concurrently with Read and with itself.
type Conn interface {
	Read(ctx context.Context) (types.Message, error)
	Write(ctx context.Context, msg types.Message) error
	Close() error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context) (Conn, error)

// Dial implements Transport.
func (f TransportFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
