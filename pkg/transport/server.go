package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/gamenet-io/gamenet-go/pkg/log"
	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = ":7700"

// ServerConfig configures a stream server.
type ServerConfig struct {
	// Address to listen on (e.g., ":7700" or "127.0.0.1:7700").
	Address string

	// Channel configures every accepted channel. Its Logger and Capture
	// default to the server's.
	Channel ChannelConfig

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger

	// OnConnect is called when a channel is established.
	OnConnect func(ch *Channel)

	// OnDisconnect is called once a channel is closed and drained.
	OnDisconnect func(ch *Channel)

	// OnMessage is called for every received message.
	OnMessage func(ch *Channel, msg message.Message)

	// OnError is called for channel errors and accept errors (ch is nil).
	OnError func(ch *Channel, err error)
}

// ServerStats is a snapshot of server counters.
type ServerStats struct {
	Active   int
	Accepted uint64
	Rejected uint64
}

// Server accepts TCP connections and runs an accepting Channel on each.
type Server struct {
	config   ServerConfig
	r        *reactor.Reactor
	log      *slog.Logger
	listener *net.TCPListener

	chans   map[*Channel]struct{}
	chansMu sync.RWMutex

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a server whose channels run on r.
func NewServer(r *reactor.Reactor, config ServerConfig) (*Server, error) {
	if r == nil {
		return nil, errors.New("transport: reactor is required")
	}
	if config.Channel.Messages == nil {
		return nil, errors.New("transport: message factory is required")
	}
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Channel.Logger == nil {
		config.Channel.Logger = config.Logger
	}

	return &Server{
		config: config,
		r:      r,
		log:    config.Logger.With("component", "tcp-server"),
		chans:  make(map[*Channel]struct{}),
	}, nil
}

// Start starts listening and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	var lc net.ListenConfig
	ln, err := lc.Listen(s.ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln.(*net.TCPListener)
	s.running.Store(true)
	s.logState("", "LISTENING")
	s.log.Info("listening", "addr", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop stops accepting, closes every channel and waits until all of them
// drained.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	err := s.listener.Close()

	for _, ch := range s.Channels() {
		_ = ch.Close()
	}

	s.wg.Wait()
	s.logState("LISTENING", "STOPPED")
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of live channels.
func (s *Server) ConnectionCount() int {
	s.chansMu.RLock()
	defer s.chansMu.RUnlock()
	return len(s.chans)
}

// Channels returns the live channels.
func (s *Server) Channels() []*Channel {
	s.chansMu.RLock()
	defer s.chansMu.RUnlock()
	out := make([]*Channel, 0, len(s.chans))
	for ch := range s.chans {
		out = append(out, ch)
	}
	return out
}

// Broadcast sends msg to every established channel.
func (s *Server) Broadcast(msg message.Message) error {
	var errs error
	for _, ch := range s.Channels() {
		if ch.State() != StateEstablished {
			continue
		}
		if err := ch.Send(msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.ID(), err))
		}
	}
	return errs
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Active:   s.ConnectionCount(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.reportError(nil, fmt.Errorf("accept error: %w", err))
			// Back off on resource exhaustion instead of spinning.
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)

	ch, err := Accept(s.r, conn, s.config.Channel, serverHandler{s})
	if err != nil {
		s.rejected.Add(1)
		conn.Close()
		s.reportError(nil, err)
		return
	}
	s.accepted.Add(1)

	s.chansMu.Lock()
	s.chans[ch] = struct{}{}
	s.chansMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(ch)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ch.Done()

		s.chansMu.Lock()
		delete(s.chans, ch)
		s.chansMu.Unlock()

		if s.config.OnDisconnect != nil {
			s.config.OnDisconnect(ch)
		}
	}()
}

func (s *Server) reportError(ch *Channel, err error) {
	if s.config.OnError != nil {
		s.config.OnError(ch, err)
		return
	}
	s.log.Warn("server error", "error", err)
}

func (s *Server) logState(old, new string) {
	if s.config.Channel.Capture == nil {
		return
	}
	s.config.Channel.Capture.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerStream,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityServer,
			OldState: old,
			NewState: new,
		},
	})
}

// serverHandler forwards channel events to the server callbacks.
type serverHandler struct{ s *Server }

func (h serverHandler) OnMessage(ch *Channel, msg message.Message) {
	if h.s.config.OnMessage != nil {
		h.s.config.OnMessage(ch, msg)
	}
}

func (h serverHandler) OnStateChange(*Channel, State, State) {}

func (h serverHandler) OnError(ch *Channel, err error) {
	h.s.reportError(ch, err)
}
