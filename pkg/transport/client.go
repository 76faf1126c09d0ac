package transport

import (
	"context"
	"errors"
	"time"

	"github.com/gamenet-io/gamenet-go/pkg/reactor"
)

// DefaultConnectTimeout bounds dial plus handshake.
const DefaultConnectTimeout = 10 * time.Second

// ClientConfig configures a stream client.
type ClientConfig struct {
	// Channel configures every dialed channel.
	Channel ChannelConfig

	// ConnectTimeout is the dial plus handshake timeout (default: 10s).
	ConnectTimeout time.Duration
}

// Client dials connecting channels sharing one reactor and configuration.
type Client struct {
	config ClientConfig
	r      *reactor.Reactor
}

// NewClient creates a client whose channels run on r.
func NewClient(r *reactor.Reactor, config ClientConfig) (*Client, error) {
	if r == nil {
		return nil, errors.New("transport: reactor is required")
	}
	if config.Channel.Messages == nil {
		return nil, errors.New("transport: message factory is required")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{config: config, r: r}, nil
}

// Connect dials address and returns the established channel.
func (c *Client) Connect(ctx context.Context, address string, h Handler) (*Channel, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}
	return Dial(ctx, c.r, address, c.config.Channel, h)
}
