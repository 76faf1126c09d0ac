package transport

import (
	"context"
	"net"

	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
)

// MessageChannel is a bidirectional message stream.
// Implemented by Channel.
type MessageChannel interface {
	// ID returns the channel identifier.
	ID() string

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// Send queues a message.
	Send(msg message.Message) error

	// Close closes the channel immediately.
	Close() error

	// Wait blocks until the channel is closed and drained.
	Wait(ctx context.Context) error
}

// TransportServer represents a stream server.
// Implemented by Server.
type TransportServer interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop closes every channel and stops accepting.
	Stop() error

	// Addr returns the server's listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of live channels.
	ConnectionCount() int
}

// Compile-time interface satisfaction checks.
var (
	_ MessageChannel  = (*Channel)(nil)
	_ TransportServer = (*Server)(nil)
	_ reactor.Handler = (*Channel)(nil)
	_ message.Factory = (*message.Registry)(nil)
	_ Handler         = HandlerFuncs{}
)
