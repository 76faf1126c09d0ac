package rudp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamenet-io/gamenet-go/pkg/reactor"
)

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.Config{Workers: 2, QueueSize: 64})
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func newHub(t *testing.T, r *reactor.Reactor, accept AcceptFunc) *Hub {
	t.Helper()
	h, err := NewHub(r, HubConfig{Address: "127.0.0.1:0", Accept: accept})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Start(ctx, 5*time.Millisecond)
	return h
}

func TestHubConnectAndSend(t *testing.T) {
	r := newReactor(t)

	recB := &peerRecorder{}
	var mu sync.Mutex
	var acceptedFrom netip.AddrPort
	b := newHub(t, r, func(self, remote uint32, from netip.AddrPort) Handler {
		if self != 2 || remote != 1 {
			return nil
		}
		mu.Lock()
		acceptedFrom = from
		mu.Unlock()
		return recB
	})
	a := newHub(t, r, nil)

	recA := &peerRecorder{}
	pa, err := a.Connect(1, 2, []netip.AddrPort{b.LocalAddr()}, recA)
	require.NoError(t, err)

	_, err = a.Connect(1, 2, []netip.AddrPort{b.LocalAddr()}, recA)
	assert.ErrorIs(t, err, ErrPeerExists)

	require.Eventually(t, func() bool {
		pb, ok := b.Peer(2, 1)
		return ok && pb.State() == StateOpen && pa.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, a.LocalAddr(), acceptedFrom)
	mu.Unlock()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, pa.Send(Ordered, []byte(s)))
	}
	require.Eventually(t, func() bool { return len(recB.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, recB.messages())

	pb, _ := b.Peer(2, 1)
	require.NoError(t, pb.Send(Reliable, []byte("back")))
	require.Eventually(t, func() bool { return len(recA.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Broadcast(Lossy, []byte("all")))
	require.Eventually(t, func() bool { return len(recA.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"back", "all"}, recA.messages())

	stats := b.Stats()
	assert.Equal(t, 1, stats.Peers)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.NotZero(t, stats.DatagramsIn)
	assert.NotZero(t, stats.DatagramsOut)

	// Removing the peer resets the remote side.
	a.Remove(1, 2)
	_, ok := a.Peer(1, 2)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return pb.State() >= StateCloseWait }, 2*time.Second, 5*time.Millisecond)
}

func TestHubDropsStrayDatagrams(t *testing.T) {
	r := newReactor(t)
	h := newHub(t, r, nil)

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(h.LocalAddr()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	// Well formed, but no peer and no Accept.
	syn := Header{Flags: FlagSYN, SrcID: 5, DstID: 6}
	p, err := syn.Marshal(nil)
	require.NoError(t, err)
	_, err = conn.Write(p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := h.Stats()
		return s.Malformed == 1 && s.Unknown == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.Stats().Peers)
}

// stunServer answers binding requests with the source address.
func stunServer(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(resp.Raw, from)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestHubDiscoverExternal(t *testing.T) {
	r := newReactor(t)
	h := newHub(t, r, nil)
	server := stunServer(t)

	_, ok := h.External()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := h.DiscoverExternal(ctx, server.String())
	require.NoError(t, err)
	assert.Equal(t, h.LocalAddr(), addr)

	ext, ok := h.External()
	assert.True(t, ok)
	assert.Equal(t, addr, ext)
	assert.Equal(t, uint64(1), h.Stats().STUN)
}

func TestHubDiscoverExternalTimeout(t *testing.T) {
	r := newReactor(t)
	h := newHub(t, r, nil)

	// Nothing listens here.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = h.DiscoverExternal(ctx, silent.LocalAddr().String())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubClose(t *testing.T) {
	r := newReactor(t)
	b := newHub(t, r, func(uint32, uint32, netip.AddrPort) Handler { return HandlerFuncs{} })
	a, err := NewHub(r, HubConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	a.Start(context.Background(), 5*time.Millisecond)

	pa, err := a.Connect(1, 2, []netip.AddrPort{b.LocalAddr()}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pa.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Equal(t, StateCloseWait, pa.State())
	assert.Zero(t, a.Stats().Peers)
	require.NoError(t, a.Close())

	_, err = a.Connect(1, 3, []netip.AddrPort{b.LocalAddr()}, nil)
	assert.ErrorIs(t, err, ErrHubClosed)

	require.Eventually(t, func() bool {
		pb, ok := b.Peer(2, 1)
		return !ok || pb.State() >= StateCloseWait
	}, 2*time.Second, 5*time.Millisecond)
}
