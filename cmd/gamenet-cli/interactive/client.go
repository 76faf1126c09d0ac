// Package interactive provides the interactive command-line interface of
// gamenet-cli.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"


	"github.com/gamenet-io/gamenet-go/pkg/connection"
	"github.com/gamenet-io/gamenet-go/pkg/discovery"
	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/node"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
	"github.com/gamenet-io/gamenet-go/pkg/rudp"
	"github.com/gamenet-io/gamenet-go/pkg/transport"
)

// Command timeouts.
const (
	ConnectTimeout = 5 * time.Second
	STUNTimeout    = 5 * time.Second
	BrowseDuration = 3 * time.Second
)

// Config configures a Client.
type Config struct {
	// Tag is the local peer tag used towards every datagram peer.
	Tag uint32

	// UDPListen is the hub address (default: any port).
	UDPListen string

	// Channel configures TCP channels. Messages is always the node
	// message registry.
	Channel transport.ChannelConfig

	// Peer configures datagram peers.
	Peer rudp.PeerConfig

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger
}

// Client owns one reactor, one hub, and at most one redialing TCP channel.
type Client struct {
	cfg      Config
	log      *slog.Logger
	messages *message.Registry
	r        *reactor.Reactor
	hub      *rudp.Hub
	browser  *discovery.Browser
	cancel   context.CancelFunc

	outMu sync.Mutex
	out   io.Writer

	mu  sync.Mutex
	tcp *connection.Redialer
}

// NewClient starts the reactor and the hub. Output goes to out.
func NewClient(cfg Config, out io.Writer) (*Client, error) {
	if cfg.Tag == 0 {
		return nil, errors.New("interactive: tag must be non-zero")
	}
	if cfg.UDPListen == "" {
		cfg.UDPListen = ":0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r, err := reactor.New(reactor.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		messages: node.Messages(),
		r:        r,
		browser:  discovery.NewBrowser(discovery.BrowserConfig{}),
		out:      out,
	}
	c.cfg.Channel.Messages = c.messages
	if c.cfg.Channel.Logger == nil {
		c.cfg.Channel.Logger = cfg.Logger
	}

	c.hub, err = rudp.NewHub(r, rudp.HubConfig{
		Address: cfg.UDPListen,
		Peer:    cfg.Peer,
		Logger:  cfg.Logger,
	})
	if err != nil {
		r.Shutdown()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.hub.Start(ctx, rudp.DefaultTickInterval)
	return c, nil
}

// Close drops every connection and stops the reactor.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	tcp := c.tcp
	c.tcp = nil
	c.mu.Unlock()
	if tcp != nil {
		tcp.Close()
	}

	err := c.hub.Close()
	c.r.Shutdown()
	return err
}

func (c *Client) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Exec runs one command line. It reports whether the user asked to quit.
func (c *Client) Exec(ctx context.Context, line string) (quit bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "tcp":
		err = c.cmdTCP(ctx, args)
	case "udp":
		err = c.cmdUDP(ctx, args)
	case "send", "s":
		err = c.cmdSend(args)
	case "status":
		err = c.cmdStatus(args)
	case "close":
		err = c.cmdClose(args)
	case "stats":
		c.cmdStats()
	case "browse", "b":
		err = c.cmdBrowse(ctx, args)
	case "stun":
		err = c.cmdSTUN(ctx, args)
	case "quit", "exit", "q":
		c.printf("Exiting...\n")
		return true
	default:
		c.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		c.printf("Error: %v\n", err)
	}
	return false
}

func (c *Client) printHelp() {
	c.printf(`
gamenet Commands:
  Connection:
    tcp <addr>                      - Open a TCP channel (redials on loss)
    udp <tag> [addr[,addr...]]      - Connect a datagram peer (mDNS lookup without addr)
    close tcp|<tag>                 - Close the channel or a peer

  Messaging:
    send tcp <text>                 - Send text on the TCP channel
    send <tag> [qos] <text>         - Send text to a peer (qos: lossy, reliable, ordered)
    status tcp|<tag>                - Ask the remote node for its status

  Network:
    browse [seconds]                - List nodes advertised over mDNS
    stun <host:port>                - Learn the external address of the hub
    stats                           - Show local statistics

  General:
    help                            - Show this help
    quit                            - Exit
`)
}

func (c *Client) cmdTCP(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tcp <addr>")
	}
	addr := args[0]

	c.mu.Lock()
	old := c.tcp
	c.tcp = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	d := connection.NewRedialer(c.r, addr, c.cfg.Channel, c.streamHandler())
	d.OnDisconnected(func() { c.printf("[tcp] connection lost, redialing\n") })
	d.OnConnected(func() { c.printf("[tcp] connected to %s\n", addr) })

	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := d.Connect(cctx); err != nil {
		d.Close()
		return err
	}
	d.StartReconnectLoop()

	c.mu.Lock()
	c.tcp = d
	c.mu.Unlock()
	return nil
}

func (c *Client) cmdUDP(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: udp <tag> [addr[,addr...]]")
	}
	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}

	var candidates []netip.AddrPort
	if len(args) == 2 {
		for _, s := range strings.Split(args[1], ",") {
			ap, err := netip.ParseAddrPort(s)
			if err != nil {
				return fmt.Errorf("bad address %q: %w", s, err)
			}
			candidates = append(candidates, ap)
		}
	} else {
		fctx, cancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
		defer cancel()
		info, err := c.browser.Find(fctx, tag)
		if err != nil {
			return err
		}
		candidates = info.Candidates()
		c.printf("Found %s at %v\n", info.Instance, candidates)
	}

	if _, err := c.hub.Connect(c.cfg.Tag, tag, candidates, c.peerHandler()); err != nil {
		return err
	}
	c.printf("Connecting to peer %d...\n", tag)
	return nil
}

func (c *Client) cmdSend(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: send tcp|<tag> [qos] <text>")
	}
	if args[0] == "tcp" {
		return c.sendTCP(node.Text(strings.Join(args[1:], " ")))
	}

	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}
	qos := rudp.Ordered
	text := args[1:]
	if q, ok := parseQoS(text[0]); ok && len(text) > 1 {
		qos = q
		text = text[1:]
	}
	return c.sendPeer(tag, qos, node.Text(strings.Join(text, " ")))
}

func (c *Client) cmdStatus(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: status tcp|<tag>")
	}
	if args[0] == "tcp" {
		return c.sendTCP(node.StatusRequest())
	}
	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}
	return c.sendPeer(tag, rudp.Reliable, node.StatusRequest())
}

func (c *Client) cmdClose(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: close tcp|<tag>")
	}
	if args[0] == "tcp" {
		c.mu.Lock()
		d := c.tcp
		c.tcp = nil
		c.mu.Unlock()
		if d == nil {
			return connection.ErrNotConnected
		}
		d.Close()
		return nil
	}
	tag, err := parseTag(args[0])
	if err != nil {
		return err
	}
	if _, ok := c.hub.Peer(c.cfg.Tag, tag); !ok {
		return fmt.Errorf("no peer %d", tag)
	}
	c.hub.Remove(c.cfg.Tag, tag)
	return nil
}

func (c *Client) cmdStats() {
	rs := c.r.Stats()
	c.printf("Reactor: workers=%d registrations=%d dispatched=%d errors=%d\n",
		rs.Workers, rs.Registrations, rs.Dispatched, rs.Errors)

	hs := c.hub.Stats()
	c.printf("Hub %s (tag %d): peers=%d in=%d out=%d malformed=%d unknown=%d\n",
		c.hub.LocalAddr(), c.cfg.Tag, hs.Peers, hs.DatagramsIn, hs.DatagramsOut, hs.Malformed, hs.Unknown)
	if ext, ok := c.hub.External(); ok {
		c.printf("  External: %s\n", ext)
	}

	peers := c.hub.Peers()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Remote() < peers[j].Remote() })
	for _, p := range peers {
		st := p.Stats()
		c.printf("  Peer %d [%s] %s rtt=%s outstanding=%d queued=%d sent=%d retransmits=%d delivered=%d\n",
			p.Remote(), st.State, st.Addr, st.Window.AverageRTT, st.Window.Outstanding,
			st.Window.Queued, st.Window.Sent, st.Window.Retransmits, st.Window.Delivered)
	}

	c.mu.Lock()
	d := c.tcp
	c.mu.Unlock()
	if d == nil {
		c.printf("TCP: not connected\n")
		return
	}
	ch := d.Channel()
	if ch == nil {
		c.printf("TCP: %s\n", d.State())
		return
	}
	cs := ch.Stats()
	c.printf("TCP %s [%s]: frames in=%d out=%d messages in=%d out=%d\n",
		ch.RemoteAddr(), ch.State(), cs.FramesIn, cs.FramesOut, cs.MessagesIn, cs.MessagesOut)
}

func (c *Client) cmdBrowse(ctx context.Context, args []string) error {
	d := BrowseDuration
	if len(args) == 1 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			return fmt.Errorf("bad duration %q", args[0])
		}
		d = time.Duration(secs) * time.Second
	}

	bctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	results, err := c.browser.Browse(bctx)
	if err != nil {
		return err
	}

	c.printf("Browsing for %s...\n", d)
	found := 0
	for n := range results {
		found++
		c.printf("  %s tag=%d udp=%d tcp=%d %v\n", n.Instance, n.Tag, n.UDPPort, n.TCPPort, n.Addresses)
	}
	c.printf("%d node(s) found\n", found)
	return nil
}

func (c *Client) cmdSTUN(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: stun <host:port>")
	}
	sctx, cancel := context.WithTimeout(ctx, STUNTimeout)
	defer cancel()
	addr, err := c.hub.DiscoverExternal(sctx, args[0])
	if err != nil {
		return err
	}
	c.printf("External address: %s\n", addr)
	return nil
}

func (c *Client) sendTCP(msg message.Message) error {
	c.mu.Lock()
	d := c.tcp
	c.mu.Unlock()
	if d == nil {
		return connection.ErrNotConnected
	}
	return d.Send(msg)
}

func (c *Client) sendPeer(tag uint32, qos rudp.QoS, msg message.Message) error {
	p, ok := c.hub.Peer(c.cfg.Tag, tag)
	if !ok {
		return fmt.Errorf("no peer %d", tag)
	}
	body, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return p.Send(qos, body)
}

// show prints one received message.
func (c *Client) show(from string, msg message.Message) {
	switch m := msg.(type) {
	case *message.Raw:
		c.printf("[%s] %s\n", from, m.Data)
	case *node.StatusMessage:
		st := m.Value
		c.printf("[%s] status: tag=%d channels=%d peers=%d uptime=%ds external=%q\n",
			from, st.Tag, st.Channels, st.Peers, st.Uptime, st.External)
	default:
		c.printf("[%s] message type %d\n", from, msg.Type())
	}
}

func (c *Client) streamHandler() transport.Handler {
	return transport.HandlerFuncs{
		Message: func(_ *transport.Channel, msg message.Message) {
			c.show("tcp", msg)
		},
		Error: func(_ *transport.Channel, err error) {
			c.log.Debug("channel error", "error", err)
		},
	}
}

func (c *Client) peerHandler() rudp.Handler {
	return rudp.HandlerFuncs{
		Message: func(p *rudp.Peer, _ rudp.QoS, body []byte) {
			msg, err := message.Decode(body, c.messages)
			if err != nil {
				c.log.Debug("undecodable datagram", "peer", p.Remote(), "error", err)
				return
			}
			c.show(fmt.Sprintf("peer %d", p.Remote()), msg)
		},
		StateChange: func(p *rudp.Peer, _, new rudp.State) {
			c.printf("[peer %d] %s\n", p.Remote(), new)
		},
		Timeout: func(p *rudp.Peer, kind rudp.TimeoutKind) {
			c.printf("[peer %d] timeout: %s\n", p.Remote(), kind)
		},
	}
}

func parseTag(s string) (uint32, error) {
	tag, err := strconv.ParseUint(s, 0, 32)
	if err != nil || tag == 0 {
		return 0, fmt.Errorf("bad tag %q", s)
	}
	return uint32(tag), nil
}

func parseQoS(s string) (rudp.QoS, bool) {
	switch strings.ToLower(s) {
	case "lossy":
		return rudp.Lossy, true
	case "reliable":
		return rudp.Reliable, true
	case "ordered":
		return rudp.Ordered, true
	default:
		return 0, false
	}
}
