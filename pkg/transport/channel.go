package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/gamenet-io/gamenet-go/pkg/bitbuf"
	"github.com/gamenet-io/gamenet-go/pkg/cipher"
	"github.com/gamenet-io/gamenet-go/pkg/log"
	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
)

// Channel errors.
var (
	ErrNotEstablished    = errors.New("transport: channel not established")
	ErrChannelClosed     = errors.New("transport: channel closed")
	ErrUnexpectedFrame   = errors.New("transport: unexpected frame")
	ErrSecurityDowngrade = errors.New("transport: peer security level below minimum")
	ErrNoCipher          = errors.New("transport: security level requires a cipher")
	ErrKeepAliveTimeout  = errors.New("transport: keep-alive timeout")
	ErrPeerClosed        = errors.New("transport: peer closed the stream")
)

// DefaultReadBufferSize is the per-read scratch size.
const DefaultReadBufferSize = 16 * 1024

// State is the channel lifecycle state.
type State uint8

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handler receives channel events. Callbacks run on reactor workers; messages
// of one channel are delivered one at a time in stream order.
type Handler interface {
	OnMessage(ch *Channel, msg message.Message)
	OnStateChange(ch *Channel, old, new State)
	OnError(ch *Channel, err error)
}

// HandlerFuncs adapts optional functions to Handler.
type HandlerFuncs struct {
	Message     func(ch *Channel, msg message.Message)
	StateChange func(ch *Channel, old, new State)
	Error       func(ch *Channel, err error)
}

// OnMessage implements Handler.
func (f HandlerFuncs) OnMessage(ch *Channel, msg message.Message) {
	if f.Message != nil {
		f.Message(ch, msg)
	}
}

// OnStateChange implements Handler.
func (f HandlerFuncs) OnStateChange(ch *Channel, old, new State) {
	if f.StateChange != nil {
		f.StateChange(ch, old, new)
	}
}

// OnError implements Handler.
func (f HandlerFuncs) OnError(ch *Channel, err error) {
	if f.Error != nil {
		f.Error(ch, err)
	}
}

// Conn is a stream socket a Channel can run on. *net.TCPConn satisfies it.
type Conn interface {
	reactor.Conn
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// SecurityLevel is the level an acceptor advertises and the minimum a
	// connector accepts. Zero sends payloads in cleartext.
	SecurityLevel uint8

	// Cipher creates the payload cipher. Required when SecurityLevel > 0 on
	// the acceptor, or when the connector may be offered a level > 0.
	Cipher cipher.Factory

	// Messages creates messages from their type codes. Required.
	Messages message.Factory

	// MaxFrameSize bounds frame payloads (default: MaxPayloadSize).
	MaxFrameSize int

	// KeepAlive enables ping/pong liveness checks when set.
	KeepAlive *KeepAliveConfig

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger

	// Capture receives protocol events (optional).
	Capture log.Logger

	// Clock drives keep-alive timers (default: wall clock).
	Clock clock.Clock

	// Rand is the challenge source (default: crypto/rand).
	Rand io.Reader
}

func (c *ChannelConfig) applyDefaults() {
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > MaxPayloadSize {
		c.MaxFrameSize = MaxPayloadSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Capture = log.OrNoop(c.Capture)
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

// ChannelStats is a snapshot of channel counters.
type ChannelStats struct {
	FramesIn    uint64
	FramesOut   uint64
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
}

// Channel is a framed, optionally encrypted message stream over one TCP
// socket managed by a reactor.
type Channel struct {
	id      string
	role    cipher.Role
	cfg     ChannelConfig
	h       Handler
	r       *reactor.Reactor
	reg     *reactor.Registration
	recvOp  *reactor.Operation
	sendOp  *reactor.Operation
	log     *slog.Logger
	capture log.Logger
	local   net.Addr
	remote  net.Addr

	stateMu sync.Mutex
	state   State
	err     error
	level   uint8
	cipher  cipher.Cipher

	sendMu          sync.Mutex
	active          []byte
	spare           []byte
	inflight        bool
	closeAfterFlush bool

	recvMu  sync.Mutex
	dec     *FrameDecoder
	readBuf []byte

	ka *KeepAlive

	established  chan struct{}
	estOnce      sync.Once
	done         chan struct{}
	teardownOnce sync.Once

	framesIn, framesOut     atomic.Uint64
	messagesIn, messagesOut atomic.Uint64
	bytesIn, bytesOut       atomic.Uint64
}

func newChannel(r *reactor.Reactor, conn Conn, role cipher.Role, cfg ChannelConfig, h Handler) (*Channel, error) {
	if cfg.Messages == nil {
		return nil, errors.New("transport: message factory is required")
	}
	cfg.applyDefaults()
	if h == nil {
		h = HandlerFuncs{}
	}

	id := uuid.New().String()
	c := &Channel{
		id:          id,
		role:        role,
		cfg:         cfg,
		h:           h,
		r:           r,
		capture:     cfg.Capture,
		local:       conn.LocalAddr(),
		remote:      conn.RemoteAddr(),
		dec:         NewFrameDecoder(cfg.MaxFrameSize),
		readBuf:     make([]byte, DefaultReadBufferSize),
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.log = cfg.Logger.With("component", "transport", "conn_id", id, "peer", c.remote.String(), "role", role.String())

	if cfg.KeepAlive != nil {
		c.ka = NewKeepAlive(*cfg.KeepAlive, cfg.Clock, c.sendPing, func() {
			c.fail(ErrKeepAliveTimeout)
		})
	}

	reg, err := r.Associate(conn, c)
	if err != nil {
		return nil, fmt.Errorf("transport: associate: %w", err)
	}
	c.reg = reg
	c.recvOp = reg.NewOperation(reactor.OpRead)
	c.sendOp = reg.NewOperation(reactor.OpWrite)
	return c, nil
}

// Accept runs the accepting side of a channel on conn. It sends the
// handshake and is established when it returns.
func Accept(r *reactor.Reactor, conn Conn, cfg ChannelConfig, h Handler) (*Channel, error) {
	c, err := newChannel(r, conn, cipher.RoleAcceptor, cfg, h)
	if err != nil {
		return nil, err
	}

	hs := Handshake{SecurityLevel: c.cfg.SecurityLevel}
	if _, err := io.ReadFull(c.cfg.Rand, hs.Challenge[:]); err != nil {
		c.abort()
		return nil, fmt.Errorf("transport: challenge: %w", err)
	}
	if hs.SecurityLevel > 0 {
		ci, err := c.newCipher(hs.Challenge[:])
		if err != nil {
			c.abort()
			return nil, err
		}
		c.cipher = ci
	}
	c.level = hs.SecurityLevel

	record, _ := hs.MarshalBinary()
	if err := c.enqueue(FrameHandshake, record); err != nil {
		c.abort()
		return nil, err
	}

	c.transition(StateEstablished, "handshake sent")
	c.startKeepAlive()

	if err := c.r.PostRecv(c.recvOp); err != nil {
		c.abort()
		return nil, fmt.Errorf("transport: post recv: %w", err)
	}
	if err := c.requestSend(); err != nil {
		c.abort()
		return nil, err
	}
	return c, nil
}

// Connect runs the connecting side of a channel on conn. The channel stays
// in StateHandshaking until the peer's handshake arrives.
func Connect(r *reactor.Reactor, conn Conn, cfg ChannelConfig, h Handler) (*Channel, error) {
	c, err := newChannel(r, conn, cipher.RoleConnector, cfg, h)
	if err != nil {
		return nil, err
	}
	c.log.Debug("awaiting handshake")
	if err := c.r.PostRecv(c.recvOp); err != nil {
		c.abort()
		return nil, fmt.Errorf("transport: post recv: %w", err)
	}
	return c, nil
}

// Dial connects to addr and waits until the channel is established.
func Dial(ctx context.Context, r *reactor.Reactor, addr string, cfg ChannelConfig, h Handler) (*Channel, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("transport: dial %s: not a TCP connection", addr)
	}
	_ = tc.SetNoDelay(true)

	c, err := Connect(r, tc, cfg, h)
	if err != nil {
		tc.Close()
		return nil, err
	}
	if err := c.WaitEstablished(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// Role returns the side the channel took.
func (c *Channel) Role() cipher.Role { return c.role }

// LocalAddr returns the local socket address.
func (c *Channel) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the peer socket address.
func (c *Channel) RemoteAddr() net.Addr { return c.remote }

// State returns the current state.
func (c *Channel) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SecurityLevel returns the negotiated level. It is meaningful once
// established.
func (c *Channel) SecurityLevel() uint8 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.level
}

// Err returns the first error that failed the channel, if any.
func (c *Channel) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.err
}

// Done returns a channel closed once the channel reached StateClosed and
// no reactor operation is in flight.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Wait blocks until Done or ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitEstablished blocks until the handshake completed. It returns the
// channel error if the channel closed first.
func (c *Channel) WaitEstablished(ctx context.Context) error {
	select {
	case <-c.established:
		return nil
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.Err(); err != nil {
		return err
	}
	return ErrChannelClosed
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		FramesIn:    c.framesIn.Load(),
		FramesOut:   c.framesOut.Load(),
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
	}
}

// KeepAliveStats returns keep-alive state. ok is false when keep-alive is off.
func (c *Channel) KeepAliveStats() (stats KeepAliveStats, ok bool) {
	if c.ka == nil {
		return KeepAliveStats{}, false
	}
	return c.ka.Stats(), true
}

// Send encodes msg and queues it.
func (c *Channel) Send(msg message.Message) error {
	if st := c.State(); st != StateEstablished {
		if st >= StateClosing {
			return ErrChannelClosed
		}
		return ErrNotEstablished
	}

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.enqueue(FrameMessage, data); err != nil {
		return err
	}
	c.messagesOut.Add(1)
	return c.requestSend()
}

// Close closes the channel immediately. Queued data may be discarded. It is
// safe to call from any goroutine, including handler callbacks.
func (c *Channel) Close() error {
	if c.beginClosing("closed locally") {
		c.teardown()
	}
	return nil
}

// CloseGracefully sends a close frame, flushes queued data and then closes.
func (c *Channel) CloseGracefully() error {
	if c.State() != StateEstablished {
		return c.Close()
	}
	if !c.beginClosing("closing gracefully") {
		return nil
	}

	if err := c.enqueue(FrameClose, nil); err != nil {
		c.teardown()
		return err
	}
	c.captureControl(log.DirectionOut, log.ControlMsgClose, 0)

	c.sendMu.Lock()
	c.closeAfterFlush = true
	c.sendMu.Unlock()

	if err := c.requestSend(); err != nil {
		c.teardown()
		return err
	}
	return nil
}

// OnRecvCompleted implements reactor.Handler.
func (c *Channel) OnRecvCompleted(*reactor.Operation) {
	c.recvMu.Lock()
	closed, err := c.receive()
	c.recvMu.Unlock()

	if err != nil {
		c.fail(err)
		return
	}
	if closed {
		if c.beginClosing("closed by peer") {
			c.teardown()
		}
		return
	}
	if c.State() >= StateClosing {
		return
	}

	if err := c.r.PostRecv(c.recvOp); err != nil {
		if errors.Is(err, reactor.ErrClosed) {
			if c.beginClosing("aborted") {
				c.teardown()
			}
			return
		}
		c.fail(fmt.Errorf("transport: post recv: %w", err))
	}
}

// OnSendCompleted implements reactor.Handler.
func (c *Channel) OnSendCompleted(op *reactor.Operation) {
	c.bytesOut.Add(uint64(op.Transferred))

	c.sendMu.Lock()
	c.spare = op.Buf[:0]
	op.Buf = nil
	c.inflight = false
	flushed := len(c.active) == 0
	closeNow := c.closeAfterFlush && flushed
	c.sendMu.Unlock()

	if closeNow {
		c.teardown()
		return
	}
	if !flushed {
		if err := c.requestSend(); err != nil && !errors.Is(err, ErrChannelClosed) {
			c.fail(err)
		}
	}
}

// OnIoError implements reactor.Handler.
func (c *Channel) OnIoError(op *reactor.Operation, err error) {
	if errors.Is(err, reactor.ErrAborted) {
		// Registration closed underneath us, e.g. by reactor shutdown.
		if c.beginClosing("aborted") {
			c.teardown()
		}
		return
	}

	if op.Kind == reactor.OpWrite {
		c.sendMu.Lock()
		c.inflight = false
		graceful := c.closeAfterFlush
		c.sendMu.Unlock()
		if graceful {
			c.teardown()
			return
		}
	}
	c.fail(err)
}

// receive drains the socket and handles every complete frame. closed is true
// when the peer ended the channel cleanly.
func (c *Channel) receive() (closed bool, err error) {
	eof := false
	for {
		n, rerr := c.reg.Read(c.readBuf)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			c.dec.Feed(c.readBuf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, reactor.ErrWouldBlock) {
				break
			}
			if errors.Is(rerr, io.EOF) {
				eof = true
				break
			}
			return false, fmt.Errorf("transport: read: %w", rerr)
		}
	}

	for {
		f, ok, ferr := c.dec.Next()
		if ferr != nil {
			return false, ferr
		}
		if !ok {
			break
		}
		peerClose, herr := c.handleFrame(f)
		if herr != nil {
			return false, herr
		}
		if peerClose {
			return true, nil
		}
		if c.State() >= StateClosing {
			return false, nil
		}
	}

	if eof {
		return false, ErrPeerClosed
	}
	return false, nil
}

func (c *Channel) handleFrame(f Frame) (peerClose bool, err error) {
	c.framesIn.Add(1)

	state := c.State()
	if state == StateHandshaking {
		if f.Control != FrameHandshake {
			return false, fmt.Errorf("%w: %s before handshake", ErrUnexpectedFrame, ControlName(f.Control))
		}
		c.captureFrame(log.DirectionIn, f.Control, f.Payload)
		return false, c.completeHandshake(f.Payload)
	}
	if f.Control == FrameHandshake {
		return false, fmt.Errorf("%w: handshake after establishment", ErrUnexpectedFrame)
	}

	payload, err := c.open(f.Payload)
	if err != nil {
		return false, err
	}

	switch f.Control {
	case FrameMessage:
		c.captureFrame(log.DirectionIn, f.Control, f.Payload)
		msg, err := message.Decode(payload, c.cfg.Messages)
		if err != nil {
			return false, err
		}
		c.messagesIn.Add(1)
		c.h.OnMessage(c, msg)

	case FramePing:
		seq, err := decodeSeq(payload)
		if err != nil {
			return false, err
		}
		c.captureControl(log.DirectionIn, log.ControlMsgPing, seq)
		if err := c.sendControl(FramePong, seq); err != nil && !errors.Is(err, ErrChannelClosed) {
			return false, err
		}
		c.captureControl(log.DirectionOut, log.ControlMsgPong, seq)

	case FramePong:
		seq, err := decodeSeq(payload)
		if err != nil {
			return false, err
		}
		c.captureControl(log.DirectionIn, log.ControlMsgPong, seq)
		if c.ka != nil {
			c.ka.PongReceived(seq)
		}

	case FrameClose:
		c.captureControl(log.DirectionIn, log.ControlMsgClose, 0)
		return true, nil

	default:
		return false, fmt.Errorf("%w: control %s", ErrUnexpectedFrame, ControlName(f.Control))
	}
	return false, nil
}

func (c *Channel) completeHandshake(record []byte) error {
	var hs Handshake
	if err := hs.UnmarshalBinary(record); err != nil {
		return err
	}
	if hs.SecurityLevel < c.cfg.SecurityLevel {
		return fmt.Errorf("%w: offered %d, require %d", ErrSecurityDowngrade, hs.SecurityLevel, c.cfg.SecurityLevel)
	}

	var ci cipher.Cipher
	if hs.SecurityLevel > 0 {
		var err error
		if ci, err = c.newCipher(hs.Challenge[:]); err != nil {
			return err
		}
	}

	c.stateMu.Lock()
	c.cipher = ci
	c.level = hs.SecurityLevel
	c.stateMu.Unlock()

	c.transition(StateEstablished, fmt.Sprintf("security level %d", hs.SecurityLevel))
	c.startKeepAlive()
	return nil
}

func (c *Channel) newCipher(challenge []byte) (cipher.Cipher, error) {
	if c.cfg.Cipher == nil {
		return nil, ErrNoCipher
	}
	ci, err := c.cfg.Cipher(c.role)
	if err != nil {
		return nil, fmt.Errorf("transport: create cipher: %w", err)
	}
	if err := ci.Init(challenge); err != nil {
		return nil, fmt.Errorf("transport: init cipher: %w", err)
	}
	return ci, nil
}

// open decrypts a received payload. Called with recvMu held.
func (c *Channel) open(payload []byte) ([]byte, error) {
	c.stateMu.Lock()
	ci := c.cipher
	c.stateMu.Unlock()
	if ci == nil {
		return payload, nil
	}
	plain, err := ci.Decrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypt: %w", err)
	}
	return plain, nil
}

// enqueue seals payload and appends the frame to the active send buffer.
// Handshake records are never encrypted.
func (c *Channel) enqueue(control byte, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if control != FrameHandshake {
		c.stateMu.Lock()
		ci := c.cipher
		c.stateMu.Unlock()
		if ci != nil {
			sealed, err := ci.Encrypt(payload)
			if err != nil {
				return fmt.Errorf("transport: encrypt: %w", err)
			}
			payload = sealed
		}
	}
	if len(payload) > c.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.cfg.MaxFrameSize)
	}

	c.active = AppendFrame(c.active, control, payload)
	c.framesOut.Add(1)
	if control == FrameHandshake || control == FrameMessage {
		c.captureFrame(log.DirectionOut, control, payload)
	}
	return nil
}

// requestSend posts the active buffer unless a send is already in flight.
func (c *Channel) requestSend() error {
	c.sendMu.Lock()
	if c.inflight || len(c.active) == 0 {
		c.sendMu.Unlock()
		return nil
	}
	buf := c.active
	c.active = c.spare
	c.spare = nil
	c.sendOp.Buf = buf
	c.inflight = true
	c.sendMu.Unlock()

	if err := c.r.PostSend(c.sendOp); err != nil {
		c.sendMu.Lock()
		c.inflight = false
		c.sendMu.Unlock()
		if errors.Is(err, reactor.ErrClosed) {
			return ErrChannelClosed
		}
		return fmt.Errorf("transport: post send: %w", err)
	}
	return nil
}

func (c *Channel) sendControl(control byte, seq uint32) error {
	b := bitbuf.New(4)
	b.WriteUint32(seq)
	if err := c.enqueue(control, b.Bytes()); err != nil {
		return err
	}
	return c.requestSend()
}

func (c *Channel) sendPing(seq uint32) error {
	if c.State() != StateEstablished {
		return ErrNotEstablished
	}
	if err := c.sendControl(FramePing, seq); err != nil {
		return err
	}
	c.captureControl(log.DirectionOut, log.ControlMsgPing, seq)
	return nil
}

func decodeSeq(payload []byte) (uint32, error) {
	b := bitbuf.FromBytes(payload)
	seq := b.ReadUint32()
	if !b.IsValid() {
		return 0, fmt.Errorf("%w: short control payload", ErrUnexpectedFrame)
	}
	return seq, nil
}

func (c *Channel) startKeepAlive() {
	if c.ka != nil {
		c.ka.Start()
	}
}

// fail records the first error, reports it once and closes the channel.
// Errors after closing began are dropped.
func (c *Channel) fail(err error) {
	c.stateMu.Lock()
	if c.err != nil || c.state >= StateClosing {
		c.stateMu.Unlock()
		return
	}
	c.err = err
	c.stateMu.Unlock()

	c.log.Warn("channel failed", "error", err)
	c.capture.Log(log.Event{
		Timestamp:    c.cfg.Clock.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerStream,
		Category:     log.CategoryError,
		LocalRole:    c.logRole(),
		RemoteAddr:   c.remote.String(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerStream,
			Message: err.Error(),
		},
	})
	c.h.OnError(c, err)

	if c.beginClosing(err.Error()) {
		c.teardown()
	}
}

// beginClosing moves to StateClosing. It returns false if closing already
// began.
func (c *Channel) beginClosing(reason string) bool {
	if !c.transition(StateClosing, reason) {
		return false
	}
	if c.ka != nil {
		c.ka.Stop()
	}
	return true
}

// teardown closes the registration and finishes the close once the reactor
// released every operation.
func (c *Channel) teardown() {
	c.teardownOnce.Do(func() {
		if err := c.reg.Close(); err != nil {
			c.log.Debug("socket close failed", "error", err)
		}
		go func() {
			<-c.reg.Drained()
			c.transition(StateClosed, "")
			close(c.done)
		}()
	})
}

// abort tears down a channel that failed during construction.
func (c *Channel) abort() {
	c.beginClosing("setup failed")
	c.teardown()
	<-c.done
}

// transition moves forward to next. States never move backwards.
func (c *Channel) transition(next State, reason string) bool {
	c.stateMu.Lock()
	old := c.state
	if next <= old {
		c.stateMu.Unlock()
		return false
	}
	c.state = next
	c.stateMu.Unlock()

	if next == StateEstablished {
		c.estOnce.Do(func() { close(c.established) })
	}

	c.log.Debug("channel state", "from", old.String(), "to", next.String(), "reason", reason)
	c.capture.Log(log.Event{
		Timestamp:    c.cfg.Clock.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerStream,
		Category:     log.CategoryState,
		LocalRole:    c.logRole(),
		RemoteAddr:   c.remote.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
	c.h.OnStateChange(c, old, next)
	return true
}

func (c *Channel) logRole() log.Role {
	if c.role == cipher.RoleConnector {
		return log.RoleConnector
	}
	return log.RoleAcceptor
}

func (c *Channel) captureFrame(dir log.Direction, control byte, payload []byte) {
	data, truncated := log.TruncateData(payload)
	c.capture.Log(log.Event{
		Timestamp:    c.cfg.Clock.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerStream,
		Category:     log.CategoryMessage,
		LocalRole:    c.logRole(),
		RemoteAddr:   c.remote.String(),
		Frame: &log.FrameEvent{
			Control:   control,
			Size:      HeaderSize + len(payload),
			Data:      data,
			Truncated: truncated,
		},
	})
}

func (c *Channel) captureControl(dir log.Direction, t log.ControlMsgType, seq uint32) {
	c.capture.Log(log.Event{
		Timestamp:    c.cfg.Clock.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerStream,
		Category:     log.CategoryControl,
		LocalRole:    c.logRole(),
		RemoteAddr:   c.remote.String(),
		ControlMsg:   &log.ControlMsgEvent{Type: t, Sequence: seq},
	})
}
