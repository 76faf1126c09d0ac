package connection

import (
	"context"
	"sync"

	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
	"github.com/gamenet-io/gamenet-go/pkg/transport"
)

// Redialer keeps a connecting stream channel to one address open, dialing
// again with backoff whenever the channel closes.
type Redialer struct {
	*Manager

	r    *reactor.Reactor
	addr string
	cfg  transport.ChannelConfig
	h    transport.Handler

	mu sync.RWMutex
	ch *transport.Channel
}

// NewRedialer creates a redialer. Call Connect for the first dial and
// StartReconnectLoop to enable redials.
func NewRedialer(r *reactor.Reactor, addr string, cfg transport.ChannelConfig, h transport.Handler) *Redialer {
	d := &Redialer{r: r, addr: addr, cfg: cfg, h: h}
	d.Manager = NewManager(d.dial)
	if cfg.Logger != nil {
		d.SetLogger(cfg.Logger.With("addr", addr))
	}
	return d
}

// Channel returns the current channel, or nil while disconnected.
func (d *Redialer) Channel() *transport.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ch
}

// Send sends msg on the current channel.
func (d *Redialer) Send(msg message.Message) error {
	ch := d.Channel()
	if ch == nil || !d.IsConnected() {
		return ErrNotConnected
	}
	return ch.Send(msg)
}

// Close stops redialing and closes the current channel.
func (d *Redialer) Close() {
	d.Manager.Close()

	d.mu.Lock()
	ch := d.ch
	d.ch = nil
	d.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (d *Redialer) dial(ctx context.Context) error {
	ch, err := transport.Dial(ctx, d.r, d.addr, d.cfg, d.h)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.ch = ch
	d.mu.Unlock()

	go d.watch(ch)
	return nil
}

// watch reports the loss of ch once it closed, unless it was replaced.
func (d *Redialer) watch(ch *transport.Channel) {
	<-ch.Done()

	d.mu.Lock()
	current := d.ch == ch
	if current {
		d.ch = nil
	}
	d.mu.Unlock()

	if current {
		d.NotifyConnectionLost()
	}
}
