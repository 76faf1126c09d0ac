package rudp

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gamenet-io/gamenet-go/pkg/connection"
)

// QoS selects the delivery guarantee of one payload.
type QoS uint8

const (
	// Lossy payloads are sent once and never retransmitted.
	Lossy QoS = iota
	// Reliable payloads are delivered exactly once, in arrival order.
	Reliable
	// Ordered payloads are delivered exactly once, in send order.
	Ordered
)

// String returns the QoS name.
func (q QoS) String() string {
	switch q {
	case Lossy:
		return "LOSSY"
	case Reliable:
		return "RELIABLE"
	case Ordered:
		return "ORDERED"
	default:
		return "UNKNOWN"
	}
}

// Window defaults.
const (
	// MaxOutstanding caps unacknowledged segments in flight. Further sends
	// wait in the queue until acks free room.
	MaxOutstanding = 512

	// DefaultInitialRTT seeds the RTT estimate before the first sample.
	DefaultInitialRTT = 200 * time.Millisecond

	// MinRTO and MaxRTO clamp the retransmission timeout.
	MinRTO = 20 * time.Millisecond
	MaxRTO = 5 * time.Second

	// DefaultAckDelay is the first ack flush interval; it doubles up to
	// DefaultMaxAckDelay while there is nothing new to acknowledge.
	DefaultAckDelay    = 20 * time.Millisecond
	DefaultMaxAckDelay = time.Second
)

// ErrUnknownQoS is returned by Send for an invalid QoS value.
var ErrUnknownQoS = errors.New("rudp: unknown qos")

// WindowConfig configures a Window.
type WindowConfig struct {
	InitialRTT  time.Duration
	AckDelay    time.Duration
	MaxAckDelay time.Duration
}

func (c *WindowConfig) applyDefaults() {
	if c.InitialRTT <= 0 {
		c.InitialRTT = DefaultInitialRTT
	}
	if c.AckDelay <= 0 {
		c.AckDelay = DefaultAckDelay
	}
	if c.MaxAckDelay < c.AckDelay {
		c.MaxAckDelay = DefaultMaxAckDelay
		if c.MaxAckDelay < c.AckDelay {
			c.MaxAckDelay = c.AckDelay
		}
	}
}

// Datagram is one outgoing header and body produced by the window. SrcID
// and DstID are left for the owner to fill in.
type Datagram struct {
	Header     Header
	Body       []byte
	Retransmit bool
}

// Delivery is one payload released to the application.
type Delivery struct {
	Seq  uint32
	QoS  QoS
	Body []byte
}

// WindowStats is a snapshot of window counters.
type WindowStats struct {
	SendSeq     uint32
	RecvCumAck  uint32
	LocalCumAck uint32
	Outstanding int
	Queued      int
	Buffered    int
	AverageRTT  time.Duration

	Sent        uint64
	Retransmits uint64
	Received    uint64
	Duplicates  uint64
	Delivered   uint64
	AcksSent    uint64
	EAKsSent    uint64
}

type segment struct {
	seq        uint32
	flags      Flags
	body       []byte
	sendCount  int
	lastSentAt time.Time
}

type recvSegment struct {
	seq       uint32
	qos       QoS
	body      []byte
	delivered bool
}

// Window is the sliding-window engine of one peer. It is not safe for
// concurrent use; the owning Peer serializes access. Outgoing datagrams and
// deliveries are collected and drained with TakeOutput and TakeDeliveries.
type Window struct {
	cfg WindowConfig

	sendSeq     uint32
	recvCumAck  uint32
	localCumAck uint32

	// sendWin holds sent segments in seq order followed by queued ones
	// (sendCount 0).
	sendWin     []*segment
	outstanding int
	recvWin     []*recvSegment
	averageRTT  time.Duration

	ackBackoff  *connection.Backoff
	ackDue      time.Time
	lastAckSent uint32
	ackForce    bool

	out        []Datagram
	deliveries []Delivery
	stats      WindowStats
}

// NewWindow creates an empty window. Sequence numbers start at 1.
func NewWindow(cfg WindowConfig) *Window {
	cfg.applyDefaults()
	return &Window{
		cfg:        cfg,
		sendSeq:    1,
		averageRTT: cfg.InitialRTT,
		ackBackoff: connection.NewBackoffWithConfig(connection.BackoffConfig{
			Initial:    cfg.AckDelay,
			Max:        cfg.MaxAckDelay,
			Multiplier: 2,
		}),
	}
}

// Send queues body for transmission. Reliable and Ordered payloads get the
// next sequence number and are transmitted at once while fewer than
// MaxOutstanding segments are unacknowledged.
func (w *Window) Send(qos QoS, body []byte, now time.Time) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("%w: %d", ErrBodyTooLarge, len(body))
	}
	switch qos {
	case Lossy:
		d := Datagram{Body: body}
		w.stamp(&d.Header)
		w.emit(d)
		return nil
	case Reliable, Ordered:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownQoS, qos)
	}

	seg := &segment{seq: w.sendSeq, flags: FlagRLE, body: body}
	if qos == Ordered {
		seg.flags |= FlagORD
	}
	w.sendSeq++
	w.sendWin = append(w.sendWin, seg)

	if w.outstanding < MaxOutstanding && !w.hasQueued(len(w.sendWin)-1) {
		w.transmit(seg, now)
	}
	return nil
}

// hasQueued reports whether a segment before index i is still queued.
func (w *Window) hasQueued(i int) bool {
	return i > 0 && w.sendWin[i-1].sendCount == 0
}

// OnAck processes a cumulative ack from the peer.
func (w *Window) OnAck(ack uint32, now time.Time) {
	if ack <= w.recvCumAck || ack >= w.sendSeq {
		return
	}
	w.recvCumAck = ack

	var newest *segment
	keep := w.sendWin[:0]
	for _, seg := range w.sendWin {
		if seg.seq <= ack && seg.sendCount > 0 {
			w.outstanding--
			newest = seg
			continue
		}
		keep = append(keep, seg)
	}
	clear(w.sendWin[len(keep):])
	w.sendWin = keep

	if newest != nil {
		sample := now.Sub(newest.lastSentAt)
		if sample < 0 {
			sample = 0
		}
		w.averageRTT = (w.averageRTT + sample) / 2
	}
	w.flushQueued(now)
}

// OnEAK processes an extended ack. Named segments are selectively acked;
// older outstanding segments that have waited at least half an RTT are
// retransmitted at once.
func (w *Window) OnEAK(seqs []uint32, now time.Time) {
	if len(seqs) == 0 {
		return
	}
	named := make(map[uint32]struct{}, len(seqs))
	var highest uint32
	for _, s := range seqs {
		named[s] = struct{}{}
		if s > highest {
			highest = s
		}
	}

	keep := w.sendWin[:0]
	for _, seg := range w.sendWin {
		if _, ok := named[seg.seq]; ok && seg.sendCount > 0 {
			w.outstanding--
			continue
		}
		keep = append(keep, seg)
	}
	clear(w.sendWin[len(keep):])
	w.sendWin = keep

	for _, seg := range w.sendWin {
		if seg.seq >= highest || seg.sendCount == 0 {
			break
		}
		if now.Sub(seg.lastSentAt) >= w.averageRTT/2 {
			w.retransmit(seg, now)
		}
	}
	w.flushQueued(now)
}

// Receive processes one reliable segment.
func (w *Window) Receive(h Header, body []byte, now time.Time) {
	if !h.Flags.Has(FlagRLE) || h.Seq == 0 {
		return
	}
	w.stats.Received++

	qos := Reliable
	if h.Flags.Has(FlagORD) {
		qos = Ordered
	}

	switch {
	case h.Seq <= w.localCumAck:
		// Already delivered; the peer missed our ack.
		w.stats.Duplicates++
		w.ackForce = true
		w.ackSoon(now)
		return

	case h.Seq == w.localCumAck+1:
		w.localCumAck = h.Seq
		w.deliver(h.Seq, qos, body)
		w.drain()
		w.ackSoon(now)
		return

	case h.Seq > w.localCumAck+2*MaxOutstanding:
		// Beyond anything the peer may have in flight.
		return
	}

	i := sort.Search(len(w.recvWin), func(i int) bool { return w.recvWin[i].seq >= h.Seq })
	if i < len(w.recvWin) && w.recvWin[i].seq == h.Seq {
		w.stats.Duplicates++
		w.sendEAK(h.Seq)
		return
	}

	rs := &recvSegment{seq: h.Seq, qos: qos}
	if qos == Reliable {
		w.deliver(h.Seq, qos, body)
		rs.delivered = true
	} else {
		rs.body = append([]byte(nil), body...)
	}
	w.recvWin = append(w.recvWin, nil)
	copy(w.recvWin[i+1:], w.recvWin[i:])
	w.recvWin[i] = rs

	w.sendEAK(h.Seq)
}

// ackSoon pulls the ack timer in to the initial delay.
func (w *Window) ackSoon(now time.Time) {
	w.ackBackoff.Reset()
	if due := now.Add(w.cfg.AckDelay); w.ackDue.IsZero() || due.Before(w.ackDue) {
		w.ackDue = due
	}
}

// ReceiveLossy delivers an unreliable payload.
func (w *Window) ReceiveLossy(body []byte) {
	w.stats.Received++
	w.deliver(0, Lossy, body)
}

// drain releases the contiguous front of the receive window.
func (w *Window) drain() {
	n := 0
	for _, rs := range w.recvWin {
		if rs.seq != w.localCumAck+1 {
			break
		}
		w.localCumAck = rs.seq
		if !rs.delivered {
			w.deliver(rs.seq, rs.qos, rs.body)
		}
		n++
	}
	if n > 0 {
		clear(w.recvWin[:n])
		w.recvWin = w.recvWin[n:]
	}
}

func (w *Window) deliver(seq uint32, qos QoS, body []byte) {
	w.stats.Delivered++
	w.deliveries = append(w.deliveries, Delivery{Seq: seq, QoS: qos, Body: append([]byte(nil), body...)})
}

// Tick runs the retransmission scan, flushes queued segments and fires the
// ack timer.
func (w *Window) Tick(now time.Time) {
	for _, seg := range w.sendWin {
		if seg.sendCount == 0 {
			break
		}
		if now.Sub(seg.lastSentAt) > w.rto(seg) {
			w.retransmit(seg, now)
		}
	}
	w.flushQueued(now)

	if w.ackDue.IsZero() {
		w.ackDue = now.Add(w.ackBackoff.Next())
		return
	}
	if now.Before(w.ackDue) {
		return
	}
	if w.ackForce || w.localCumAck != w.lastAckSent {
		w.ackBackoff.Reset()
		d := Datagram{}
		w.stamp(&d.Header)
		w.stats.AcksSent++
		w.emit(d)
	}
	w.ackDue = now.Add(w.ackBackoff.Next())
}

// rto is averageRTT * (1 + retransmits), clamped to [MinRTO, MaxRTO].
func (w *Window) rto(seg *segment) time.Duration {
	d := w.averageRTT * time.Duration(seg.sendCount)
	if d < MinRTO {
		d = MinRTO
	}
	if d > MaxRTO {
		d = MaxRTO
	}
	return d
}

func (w *Window) flushQueued(now time.Time) {
	for _, seg := range w.sendWin {
		if w.outstanding >= MaxOutstanding {
			return
		}
		if seg.sendCount == 0 {
			w.transmit(seg, now)
		}
	}
}

func (w *Window) transmit(seg *segment, now time.Time) {
	w.outstanding++
	w.stats.Sent++
	w.send(seg, now, false)
}

func (w *Window) retransmit(seg *segment, now time.Time) {
	w.stats.Retransmits++
	w.send(seg, now, true)
}

func (w *Window) send(seg *segment, now time.Time, again bool) {
	seg.sendCount++
	seg.lastSentAt = now
	d := Datagram{Header: Header{Flags: seg.flags, Seq: seg.seq}, Body: seg.body, Retransmit: again}
	w.stamp(&d.Header)
	w.emit(d)
}

func (w *Window) sendEAK(seq uint32) {
	d := Datagram{Header: Header{EAK: []uint32{seq}}}
	w.stamp(&d.Header)
	w.stats.EAKsSent++
	w.emit(d)
}

// Stamp piggybacks the cumulative ack on h.
func (w *Window) Stamp(h *Header) { w.stamp(h) }

func (w *Window) stamp(h *Header) {
	h.Flags |= FlagACK
	h.Ack = w.localCumAck
	w.lastAckSent = w.localCumAck
	w.ackForce = false
}

func (w *Window) emit(d Datagram) {
	w.out = append(w.out, d)
}

// TakeOutput returns and clears the datagrams produced since the last call.
func (w *Window) TakeOutput() []Datagram {
	out := w.out
	w.out = nil
	return out
}

// TakeDeliveries returns and clears the payloads released since the last
// call.
func (w *Window) TakeDeliveries() []Delivery {
	d := w.deliveries
	w.deliveries = nil
	return d
}

// Outstanding returns the number of sent, unacknowledged segments.
func (w *Window) Outstanding() int { return w.outstanding }

// Idle reports whether every sent segment was acknowledged and nothing is
// queued.
func (w *Window) Idle() bool { return len(w.sendWin) == 0 }

// AverageRTT returns the current RTT estimate.
func (w *Window) AverageRTT() time.Duration { return w.averageRTT }

// LocalCumAck returns the highest contiguous sequence number received.
func (w *Window) LocalCumAck() uint32 { return w.localCumAck }

// Stats returns a snapshot of the window counters.
func (w *Window) Stats() WindowStats {
	s := w.stats
	s.SendSeq = w.sendSeq
	s.RecvCumAck = w.recvCumAck
	s.LocalCumAck = w.localCumAck
	s.Outstanding = w.outstanding
	s.Queued = len(w.sendWin) - w.outstanding
	s.Buffered = len(w.recvWin)
	s.AverageRTT = w.averageRTT
	return s
}
