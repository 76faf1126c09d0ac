package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gamenet-io/gamenet-go/pkg/config"
	"github.com/gamenet-io/gamenet-go/pkg/discovery"
	"github.com/gamenet-io/gamenet-go/pkg/log"
	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/metrics"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
	"github.com/gamenet-io/gamenet-go/pkg/rudp"
	"github.com/gamenet-io/gamenet-go/pkg/transport"
)

// Node errors.
var (
	ErrAlreadyStarted = errors.New("node: already started")
	ErrNotStarted     = errors.New("node: not started")
)

// State is the node lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Node is a running gamenet endpoint.
type Node struct {
	cfg      *config.Config
	log      *slog.Logger
	clk      clock.Clock
	messages *message.Registry

	// mu serializes Start and Stop. Transport callbacks never take it.
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	group  *errgroup.Group
	done   <-chan struct{}

	reactor    *reactor.Reactor
	capture    *log.FileLogger
	advertiser *discovery.Advertiser
	httpSrv    *http.Server
	httpAddr   net.Addr

	started atomic.Pointer[time.Time]
	server  atomic.Pointer[transport.Server]
	hub     atomic.Pointer[rudp.Hub]
}

// New validates cfg and creates a node. Nothing is opened until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:      cfg,
		log:      logger,
		clk:      clock.New(),
		messages: Messages(),
	}, nil
}

// State returns the lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Messages returns the registry both transports decode with.
func (n *Node) Messages() *message.Registry { return n.messages }

// Reactor returns the reactor, nil before Start.
func (n *Node) Reactor() *reactor.Reactor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reactor
}

// Server returns the stream server, nil when TCP is disabled.
func (n *Node) Server() *transport.Server { return n.server.Load() }

// Hub returns the datagram hub, nil when UDP is disabled.
func (n *Node) Hub() *rudp.Hub { return n.hub.Load() }

// MetricsAddr returns the address serving /metrics, nil when disabled.
func (n *Node) MetricsAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.httpAddr
}

// Start opens every configured component. On failure, whatever was opened
// is closed again.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateRunning {
		return ErrAlreadyStarted
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)
	n.done = ctx.Done()
	now := n.clk.Now()
	n.started.Store(&now)

	defer func() {
		if err != nil {
			err = multierr.Append(err, n.shutdown())
		}
	}()

	n.reactor, err = reactor.New(reactor.Config{
		Workers:   n.cfg.Reactor.Workers,
		QueueSize: n.cfg.Reactor.QueueSize,
		Logger:    n.log,
	})
	if err != nil {
		return fmt.Errorf("node: reactor: %w", err)
	}

	var capture log.Logger = log.NewSlogAdapter(n.log.With("component", "capture"))
	if path := n.cfg.Log.Protocol; path != "" {
		n.capture, err = log.NewFileLogger(path)
		if err != nil {
			return fmt.Errorf("node: protocol log: %w", err)
		}
		capture = log.NewMultiLogger(n.capture, capture)
		n.log.Info("protocol capture", "path", path)
	}

	if n.cfg.TCP.Listen != "" {
		if err := n.startServer(ctx, capture); err != nil {
			return err
		}
	}

	if n.cfg.UDP.Listen != "" {
		if err := n.startHub(ctx, capture); err != nil {
			return err
		}
	}

	if n.cfg.Metrics.Listen != "" {
		if err := n.startMetrics(); err != nil {
			return err
		}
	}

	if n.cfg.Discovery.Enabled {
		if err := n.advertise(); err != nil {
			return err
		}
	}

	n.state = StateRunning
	n.log.Info("node started")
	return nil
}

func (n *Node) startServer(ctx context.Context, capture log.Logger) error {
	chCfg, err := n.cfg.TCP.ChannelConfig(n.messages)
	if err != nil {
		return err
	}
	chCfg.Capture = capture

	srv, err := transport.NewServer(n.reactor, transport.ServerConfig{
		Address: n.cfg.TCP.Listen,
		Channel: chCfg,
		Logger:  n.log.With("component", "tcp"),
		OnMessage: func(ch *transport.Channel, msg message.Message) {
			if reply := n.answer(msg); reply != nil {
				if err := ch.Send(reply); err != nil {
					n.log.Debug("reply failed", "channel", ch.ID(), "error", err)
				}
			}
		},
		OnError: func(ch *transport.Channel, err error) {
			if ch == nil {
				n.log.Warn("accept failed", "error", err)
				return
			}
			n.log.Debug("channel error", "channel", ch.ID(), "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("node: tcp server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("node: tcp server: %w", err)
	}
	n.server.Store(srv)
	return nil
}

func (n *Node) startHub(ctx context.Context, capture log.Logger) error {
	udp := n.cfg.UDP
	hubCfg := rudp.HubConfig{
		Address: udp.Listen,
		Peer:    udp.PeerConfig(),
		Logger:  n.log.With("component", "udp"),
		Capture: capture,
		Clock:   n.clk,
	}
	if udp.Accept {
		hubCfg.Accept = func(self, remote uint32, from netip.AddrPort) rudp.Handler {
			if self != udp.Tag {
				return nil
			}
			n.log.Info("peer accepted", "peer", remote, "addr", from)
			return n.peerHandler()
		}
	}

	hub, err := rudp.NewHub(n.reactor, hubCfg)
	if err != nil {
		return fmt.Errorf("node: udp hub: %w", err)
	}
	n.hub.Store(hub)
	hub.Start(ctx, udp.TickInterval)

	for _, p := range udp.Peers {
		if _, err := hub.Connect(udp.Tag, p.Tag, p.Candidates(), n.peerHandler()); err != nil {
			return fmt.Errorf("node: connect peer %d: %w", p.Tag, err)
		}
	}

	if srv := n.cfg.STUN.Server; srv != "" {
		timeout := n.cfg.STUN.Timeout
		n.group.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := hub.DiscoverExternal(sctx, srv); err != nil {
				n.log.Warn("stun discovery failed", "server", srv, "error", err)
			}
			return nil
		})
	}
	return nil
}

func (n *Node) startMetrics() error {
	h, err := metrics.Handler(n.collector())
	if err != nil {
		return fmt.Errorf("node: metrics: %w", err)
	}
	ln, err := net.Listen("tcp", n.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("node: metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	n.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	n.httpAddr = ln.Addr()

	srv := n.httpSrv
	n.group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("node: metrics: %w", err)
		}
		return nil
	})
	n.log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (n *Node) collector() *metrics.Collector {
	opts := metrics.Options{Reactor: n.reactor}
	if srv := n.server.Load(); srv != nil {
		opts.Server = srv
	}
	if hub := n.hub.Load(); hub != nil {
		opts.Hub = hub
	}
	return metrics.NewCollector(opts)
}

func (n *Node) advertise() error {
	info := &discovery.NodeInfo{
		Instance: n.cfg.Discovery.Instance,
		Tag:      n.cfg.UDP.Tag,
	}
	if hub := n.hub.Load(); hub != nil {
		info.UDPPort = hub.LocalAddr().Port()
	}
	if srv := n.server.Load(); srv != nil {
		if ta, ok := srv.Addr().(*net.TCPAddr); ok {
			info.TCPPort = uint16(ta.Port)
		}
	}

	cfg := discovery.DefaultAdvertiserConfig()
	cfg.Logger = n.log
	n.advertiser = discovery.NewAdvertiser(cfg)
	if err := n.advertiser.Advertise(info); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	return nil
}

// Stop closes every component and waits for background work.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateRunning {
		return ErrNotStarted
	}
	err := n.shutdown()
	n.state = StateStopped
	n.log.Info("node stopped")
	return err
}

// shutdown tears down in reverse start order. Called with mu held.
func (n *Node) shutdown() error {
	var errs error

	if n.advertiser != nil {
		n.advertiser.Stop()
		n.advertiser = nil
	}
	if n.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, n.httpSrv.Shutdown(ctx))
		cancel()
		n.httpSrv = nil
		n.httpAddr = nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	if hub := n.hub.Swap(nil); hub != nil {
		errs = multierr.Append(errs, hub.Close())
	}
	if srv := n.server.Swap(nil); srv != nil {
		errs = multierr.Append(errs, srv.Stop())
	}
	if n.group != nil {
		errs = multierr.Append(errs, n.group.Wait())
		n.group = nil
	}
	if n.reactor != nil {
		n.reactor.Shutdown()
		n.reactor = nil
	}
	if n.capture != nil {
		errs = multierr.Append(errs, n.capture.Close())
		n.capture = nil
	}
	return errs
}

// Run starts the node, blocks until ctx is done or a background component
// failed, then stops it.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	done := n.done
	n.mu.Unlock()

	<-done
	return n.Stop()
}

// Status returns the node's current status.
func (n *Node) Status() Status {
	st := Status{Tag: n.cfg.UDP.Tag}
	if started := n.started.Load(); started != nil {
		st.Uptime = uint64(n.clk.Since(*started) / time.Second)
	}
	if srv := n.server.Load(); srv != nil {
		st.Channels = srv.ConnectionCount()
	}
	if hub := n.hub.Load(); hub != nil {
		st.Peers = len(hub.Peers())
		if ext, ok := hub.External(); ok {
			st.External = ext.String()
		}
	}
	return st
}

// answer returns the reply to msg, or nil when msg needs none.
func (n *Node) answer(msg message.Message) message.Message {
	switch m := msg.(type) {
	case *message.Raw:
		return m
	case *StatusMessage:
		return &StatusMessage{Kind: TypeStatus, Value: n.Status()}
	default:
		return nil
	}
}

// peerHandler answers datagram messages on the QoS they arrived with.
func (n *Node) peerHandler() rudp.Handler {
	return rudp.HandlerFuncs{
		Message: func(p *rudp.Peer, qos rudp.QoS, body []byte) {
			msg, err := message.Decode(body, n.messages)
			if err != nil {
				n.log.Debug("undecodable datagram", "peer", p.Remote(), "error", err)
				return
			}
			reply := n.answer(msg)
			if reply == nil {
				return
			}
			out, err := message.Encode(reply)
			if err != nil {
				n.log.Warn("encode reply", "peer", p.Remote(), "error", err)
				return
			}
			if err := p.Send(qos, out); err != nil {
				n.log.Debug("reply failed", "peer", p.Remote(), "error", err)
			}
		},
		StateChange: func(p *rudp.Peer, old, new rudp.State) {
			n.log.Info("peer state", "peer", p.Remote(), "from", old, "to", new)
		},
		Timeout: func(p *rudp.Peer, kind rudp.TimeoutKind) {
			n.log.Warn("peer timeout", "peer", p.Remote(), "kind", kind)
		},
	}
}
