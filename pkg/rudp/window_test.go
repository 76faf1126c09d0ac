package rudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

// pass encodes d, decodes it and feeds it to w the way a peer does: ACK,
// then EAK, then payload.
func pass(t *testing.T, w *Window, d Datagram, now time.Time) {
	t.Helper()
	h := d.Header
	p, err := h.Marshal(d.Body)
	require.NoError(t, err)
	got, body, err := Unmarshal(p)
	require.NoError(t, err)

	if got.Flags.Has(FlagACK) {
		w.OnAck(got.Ack, now)
	}
	if got.Flags.Has(FlagEAK) {
		w.OnEAK(got.EAK, now)
	}
	switch {
	case got.Flags.Has(FlagRLE):
		w.Receive(got, body, now)
	case len(body) > 0:
		w.ReceiveLossy(body)
	}
}

func bodies(ds []Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Body)
	}
	return out
}

func TestWindowOrderedReorder(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})

	for _, s := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, a.Send(Ordered, []byte(s), t0))
	}
	out := a.TakeOutput()
	require.Len(t, out, 5)
	for i, d := range out {
		assert.Equal(t, uint32(i+1), d.Header.Seq)
		assert.True(t, d.Header.Flags.Has(FlagRLE|FlagORD|FlagACK))
	}

	for _, i := range []int{0, 2, 1, 4, 3} {
		pass(t, b, out[i], t0)
	}

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, bodies(b.TakeDeliveries()))
	assert.Equal(t, uint32(5), b.LocalCumAck())
	assert.Zero(t, b.Stats().Buffered)

	// Seq 3 and 5 arrived early and were named in an EAK each.
	var eaks [][]uint32
	for _, d := range b.TakeOutput() {
		if len(d.Header.EAK) > 0 {
			eaks = append(eaks, d.Header.EAK)
		}
	}
	assert.Equal(t, [][]uint32{{3}, {5}}, eaks)
}

func TestWindowReliableDeliversOnArrival(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, a.Send(Reliable, []byte(s), t0))
	}
	out := a.TakeOutput()
	for _, i := range []int{0, 2, 1, 4, 3} {
		pass(t, b, out[i], t0)
	}

	assert.Equal(t, []string{"1", "3", "2", "5", "4"}, bodies(b.TakeDeliveries()))
	assert.Equal(t, uint32(5), b.LocalCumAck())
}

func TestWindowMixedQoS(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	require.NoError(t, a.Send(Ordered, []byte("o1"), t0))
	require.NoError(t, a.Send(Reliable, []byte("r2"), t0))
	require.NoError(t, a.Send(Ordered, []byte("o3"), t0))
	out := a.TakeOutput()

	pass(t, b, out[2], t0)
	pass(t, b, out[1], t0)
	assert.Equal(t, []string{"r2"}, bodies(b.TakeDeliveries()))

	pass(t, b, out[0], t0)
	assert.Equal(t, []string{"o1", "o3"}, bodies(b.TakeDeliveries()))
}

func TestWindowDuplicateSuppression(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(Ordered, []byte(s), t0))
	}
	out := a.TakeOutput()

	pass(t, b, out[0], t0)
	pass(t, b, out[0], t0)
	pass(t, b, out[2], t0)
	pass(t, b, out[2], t0)
	pass(t, b, out[1], t0)
	pass(t, b, out[1], t0)

	assert.Equal(t, []string{"1", "2", "3"}, bodies(b.TakeDeliveries()))
	assert.Equal(t, uint64(3), b.Stats().Duplicates)
}

func TestWindowAckConvergence(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Send(Reliable, []byte{byte(i)}, t0))
	}
	assert.Equal(t, 20, a.Outstanding())

	for _, d := range a.TakeOutput() {
		pass(t, b, d, t0)
	}
	assert.Len(t, b.TakeDeliveries(), 20)

	// Nothing to piggyback on, so the ack timer flushes.
	b.Tick(t0.Add(DefaultAckDelay))
	acks := b.TakeOutput()
	require.Len(t, acks, 1)
	assert.Equal(t, uint32(20), acks[0].Header.Ack)
	assert.Zero(t, acks[0].Header.Seq)

	pass(t, a, acks[0], t0.Add(50*time.Millisecond))
	assert.Zero(t, a.Outstanding())
	assert.True(t, a.Idle())
	assert.Equal(t, uint32(20), a.Stats().RecvCumAck)
}

func TestWindowAckTimerBacksOff(t *testing.T) {
	w := NewWindow(WindowConfig{AckDelay: 10 * time.Millisecond, MaxAckDelay: 80 * time.Millisecond})

	w.Tick(t0)
	now := t0
	var fired []time.Duration
	for i := 0; i < 200; i++ {
		now = now.Add(time.Millisecond)
		before := w.ackDue
		w.Tick(now)
		if !w.ackDue.Equal(before) {
			fired = append(fired, w.ackDue.Sub(now))
		}
	}
	assert.Empty(t, w.TakeOutput(), "nothing to acknowledge")
	require.GreaterOrEqual(t, len(fired), 4)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond, 80 * time.Millisecond}, fired[:4])
}

func TestWindowPiggybackSuppressesAckOnly(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	require.NoError(t, a.Send(Reliable, []byte("ping"), t0))
	pass(t, b, a.TakeOutput()[0], t0)

	require.NoError(t, b.Send(Reliable, []byte("pong"), t0))
	out := b.TakeOutput()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].Header.Ack)

	b.Tick(t0.Add(DefaultAckDelay))
	assert.Empty(t, b.TakeOutput())
}

func TestWindowOutstandingCap(t *testing.T) {
	a := NewWindow(WindowConfig{})
	for i := 0; i < MaxOutstanding+88; i++ {
		require.NoError(t, a.Send(Reliable, []byte{1}, t0))
	}
	assert.Len(t, a.TakeOutput(), MaxOutstanding)
	assert.Equal(t, MaxOutstanding, a.Outstanding())
	assert.Equal(t, 88, a.Stats().Queued)

	// Ticking without acks frees nothing.
	a.Tick(t0.Add(time.Millisecond))
	assert.Empty(t, a.TakeOutput())

	a.OnAck(100, t0.Add(10*time.Millisecond))
	out := a.TakeOutput()
	assert.Len(t, out, 88)
	assert.Equal(t, uint32(MaxOutstanding+1), out[0].Header.Seq)
	assert.Equal(t, 500, a.Outstanding())
	assert.Zero(t, a.Stats().Queued)
}

func TestWindowRetransmitAndRTT(t *testing.T) {
	a := NewWindow(WindowConfig{})
	require.NoError(t, a.Send(Reliable, []byte("x"), t0))
	a.TakeOutput()

	a.Tick(t0.Add(DefaultInitialRTT))
	assert.Empty(t, a.TakeOutput(), "age must exceed the rto")

	a.Tick(t0.Add(DefaultInitialRTT + time.Millisecond))
	out := a.TakeOutput()
	require.Len(t, out, 1)
	assert.True(t, out[0].Retransmit)
	assert.Equal(t, uint32(1), out[0].Header.Seq)

	// Second retransmission waits twice the rtt.
	resent := t0.Add(DefaultInitialRTT + time.Millisecond)
	a.Tick(resent.Add(2 * DefaultInitialRTT))
	assert.Empty(t, a.TakeOutput())
	a.Tick(resent.Add(2*DefaultInitialRTT + time.Millisecond))
	assert.Len(t, a.TakeOutput(), 1)
	assert.Equal(t, uint64(2), a.Stats().Retransmits)

	b := NewWindow(WindowConfig{})
	require.NoError(t, b.Send(Reliable, []byte("y"), t0))
	b.OnAck(1, t0.Add(100*time.Millisecond))
	assert.Equal(t, 150*time.Millisecond, b.AverageRTT())
}

func TestWindowEAKFastRetransmit(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(Reliable, []byte(s), t0))
	}
	out := a.TakeOutput()

	pass(t, b, out[0], t0)
	pass(t, b, out[2], t0)
	reply := b.TakeOutput()
	require.Len(t, reply, 1)
	assert.Equal(t, []uint32{3}, reply[0].Header.EAK)
	assert.Equal(t, uint32(1), reply[0].Header.Ack)

	pass(t, a, reply[0], t0.Add(150*time.Millisecond))
	resent := a.TakeOutput()
	require.Len(t, resent, 1)
	assert.Equal(t, uint32(2), resent[0].Header.Seq)
	assert.True(t, resent[0].Retransmit)
	assert.Equal(t, 1, a.Outstanding())

	pass(t, b, resent[0], t0.Add(200*time.Millisecond))
	assert.Equal(t, []string{"1", "3", "2"}, bodies(b.TakeDeliveries()))
	assert.Equal(t, uint32(3), b.LocalCumAck())
}

func TestWindowLossy(t *testing.T) {
	a, b := NewWindow(WindowConfig{}), NewWindow(WindowConfig{})
	require.NoError(t, a.Send(Lossy, []byte("pos"), t0))
	out := a.TakeOutput()
	require.Len(t, out, 1)
	assert.False(t, out[0].Header.Flags.Has(FlagRLE))
	assert.Zero(t, out[0].Header.Seq)
	assert.Zero(t, a.Outstanding())

	pass(t, b, out[0], t0)
	ds := b.TakeDeliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, Lossy, ds[0].QoS)
	assert.Equal(t, "pos", string(ds[0].Body))

	a.Tick(t0.Add(time.Hour))
	assert.Empty(t, a.TakeOutput(), "lossy payloads are never resent")
}

func TestWindowSendErrors(t *testing.T) {
	w := NewWindow(WindowConfig{})
	assert.ErrorIs(t, w.Send(QoS(9), nil, t0), ErrUnknownQoS)
	assert.ErrorIs(t, w.Send(Reliable, make([]byte, MaxBodySize+1), t0), ErrBodyTooLarge)
}
