package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamenet-io/gamenet-go/pkg/log"
	"github.com/gamenet-io/gamenet-go/pkg/message"
)

func TestServerEchoAndBroadcast(t *testing.T) {
	r := newTestReactor(t)
	msgs := testMessages(t)

	var mu sync.Mutex
	var events []log.Event
	capture := log.LoggerFunc(func(e log.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	var connected, disconnected atomic.Int32
	srv, err := NewServer(r, ServerConfig{
		Address: "127.0.0.1:0",
		Channel: ChannelConfig{Messages: msgs, Capture: capture},
		OnConnect: func(*Channel) {
			connected.Add(1)
		},
		OnDisconnect: func(*Channel) {
			disconnected.Add(1)
		},
		OnMessage: func(ch *Channel, msg message.Message) {
			_ = ch.Send(msg)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	client, err := NewClient(r, ClientConfig{Channel: ChannelConfig{Messages: msgs}})
	require.NoError(t, err)

	recs := []*recorder{{}, {}}
	chans := make([]*Channel, len(recs))
	for i, rec := range recs {
		chans[i], err = client.Connect(ctx, srv.Addr().String(), rec)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), connected.Load())

	require.NoError(t, chans[0].Send(raw("ping")))
	require.Eventually(t, func() bool { return len(recs[0].messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping"}, recs[0].messages())

	require.NoError(t, srv.Broadcast(raw("all")))
	require.Eventually(t, func() bool { return len(recs[1].messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"all"}, recs[1].messages())

	require.NoError(t, chans[1].CloseGracefully())
	require.Eventually(t, func() bool { return disconnected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.ConnectionCount())

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.ConnectionCount())
	assert.Equal(t, int32(2), disconnected.Load())

	stats := srv.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)

	mu.Lock()
	defer mu.Unlock()
	var frames, states int
	for _, e := range events {
		switch {
		case e.Frame != nil:
			frames++
		case e.StateChange != nil:
			states++
		}
	}
	assert.NotZero(t, frames)
	assert.NotZero(t, states)
}

func TestServerRequiresMessages(t *testing.T) {
	r := newTestReactor(t)
	_, err := NewServer(r, ServerConfig{})
	assert.Error(t, err)
	_, err = NewServer(nil, ServerConfig{Channel: ChannelConfig{Messages: testMessages(t)}})
	assert.Error(t, err)
}
