package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff()

		expected := []time.Duration{
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
			30 * time.Second,
		}

		for i, exp := range expected {
			// Get the base (current) value before adding jitter
			base := b.Current()
			_ = b.Next() // Advance

			// Allow for some floating point imprecision
			if base < exp-time.Millisecond || base > exp+time.Millisecond {
				t.Errorf("Attempt %d: base = %v, want %v", i, base, exp)
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()

		// Collect multiple samples to verify jitter is being applied
		samples := make([]time.Duration, 10)
		for i := range samples {
			samples[i] = b.Peek()
		}

		for i, s := range samples {
			if s < InitialBackoff || s > time.Duration(float64(InitialBackoff)*1.25)+time.Millisecond {
				t.Errorf("Sample %d: %v out of expected range [500ms, 625ms]", i, s)
			}
		}

		// At least some samples should be different (jitter should vary)
		allSame := true
		for i := 1; i < len(samples); i++ {
			if samples[i] != samples[0] {
				allSame = false
				break
			}
		}
		if allSame {
			t.Error("All jittered samples are identical - jitter may not be working")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff()

		// Advance a few times
		for i := 0; i < 5; i++ {
			b.Next()
		}

		if b.Current() <= InitialBackoff {
			t.Error("Backoff should have increased")
		}

		// Reset
		b.Reset()

		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v after reset, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("Attempts", func(t *testing.T) {
		b := NewBackoff()

		if b.Attempts() != 0 {
			t.Errorf("Initial Attempts() = %d, want 0", b.Attempts())
		}

		for i := 1; i <= 5; i++ {
			b.Next()
			if b.Attempts() != i {
				t.Errorf("After %d calls, Attempts() = %d", i, b.Attempts())
			}
		}
	})

	t.Run("CustomConfig", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    100 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0, // No jitter for deterministic test
		})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond, // Max
			500 * time.Millisecond,
		}

		for i, exp := range expected {
			got := b.Next()
			if got != exp {
				t.Errorf("Attempt %d: got %v, want %v", i, got, exp)
			}
		}
	})
}

func TestManager(t *testing.T) {
	t.Run("InitialState", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		if m.State() != StateDisconnected {
			t.Errorf("Initial state = %v, want StateDisconnected", m.State())
		}
		if m.IsConnected() {
			t.Error("IsConnected() = true, want false")
		}
	})

	t.Run("SuccessfulConnect", func(t *testing.T) {
		connectCalled := false
		m := NewManager(func(ctx context.Context) error {
			connectCalled = true
			return nil
		})
		defer m.Close()

		var connectedCalled bool
		m.OnConnected(func() {
			connectedCalled = true
		})

		err := m.Connect(context.Background())
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		if !connectCalled {
			t.Error("Connect function was not called")
		}
		if !connectedCalled {
			t.Error("OnConnected callback was not called")
		}
		if m.State() != StateConnected {
			t.Errorf("State() = %v, want StateConnected", m.State())
		}
	})

	t.Run("FailedConnect", func(t *testing.T) {
		expectedErr := errors.New("connection failed")
		m := NewManager(func(ctx context.Context) error {
			return expectedErr
		})
		defer m.Close()

		err := m.Connect(context.Background())
		if err != expectedErr {
			t.Errorf("Connect() error = %v, want %v", err, expectedErr)
		}
		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want StateDisconnected", m.State())
		}
	})

	t.Run("AlreadyConnected", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		m.Connect(context.Background())

		err := m.Connect(context.Background())
		if err != ErrAlreadyConnected {
			t.Errorf("Second Connect() error = %v, want ErrAlreadyConnected", err)
		}
	})

	t.Run("Disconnect", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		m.SetAutoReconnect(false) // Disable auto-reconnect for this test
		defer m.Close()

		m.Connect(context.Background())

		var disconnectedCalled bool
		m.OnDisconnected(func() {
			disconnectedCalled = true
		})

		m.Disconnect()

		if !disconnectedCalled {
			t.Error("OnDisconnected callback was not called")
		}
		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want StateDisconnected", m.State())
		}
	})

	t.Run("StateChangeCallback", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		m.SetAutoReconnect(false)
		defer m.Close()

		var transitions []struct{ old, new State }
		m.OnStateChange(func(old, new State) {
			transitions = append(transitions, struct{ old, new State }{old, new})
		})

		m.Connect(context.Background())
		m.Disconnect()

		expected := []struct{ old, new State }{
			{StateDisconnected, StateConnecting},
			{StateConnecting, StateConnected},
			{StateConnected, StateDisconnected},
		}

		if len(transitions) != len(expected) {
			t.Fatalf("Got %d transitions, want %d", len(transitions), len(expected))
		}

		for i, exp := range expected {
			if transitions[i].old != exp.old || transitions[i].new != exp.new {
				t.Errorf("Transition %d: got %v→%v, want %v→%v",
					i, transitions[i].old, transitions[i].new, exp.old, exp.new)
			}
		}
	})
}

func TestManagerReconnect(t *testing.T) {
	t.Run("AutoReconnectOnDisconnect", func(t *testing.T) {
		mock := clock.NewMock()
		var connectCount atomic.Int32
		m := NewManager(func(ctx context.Context) error {
			connectCount.Add(1)
			return nil
		})
		m.SetClock(mock)
		m.SetBackoff(NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Max: 4 * time.Second}))
		m.StartReconnectLoop()
		defer m.Close()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Initial Connect() error = %v", err)
		}

		reconnecting := make(chan time.Duration, 1)
		m.OnReconnecting(func(_ int, delay time.Duration) { reconnecting <- delay })

		m.NotifyConnectionLost()
		if m.State() != StateReconnecting {
			t.Fatalf("State() = %v, want StateReconnecting", m.State())
		}

		select {
		case delay := <-reconnecting:
			if delay != time.Second {
				t.Errorf("delay = %v, want 1s", delay)
			}
		case <-time.After(time.Second):
			t.Fatal("no reconnect attempt scheduled")
		}

		// The wait uses the mock clock, so nothing happens until it advances.
		time.Sleep(10 * time.Millisecond)
		if connectCount.Load() != 1 {
			t.Fatalf("redialed before the backoff elapsed")
		}
		mock.Add(time.Second)

		waitState(t, m, StateConnected)
		if connectCount.Load() != 2 {
			t.Errorf("Connect was called %d times, want 2", connectCount.Load())
		}
	})

	t.Run("BackoffOnFailure", func(t *testing.T) {
		mock := clock.NewMock()
		var connectCount atomic.Int32
		var mu sync.Mutex
		var delays []time.Duration

		m := NewManager(func(ctx context.Context) error {
			if connectCount.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		m.SetClock(mock)
		m.SetBackoff(NewBackoffWithConfig(BackoffConfig{
			Initial:    50 * time.Millisecond,
			Max:        200 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0,
		}))
		scheduled := make(chan struct{}, 8)
		m.OnReconnecting(func(_ int, delay time.Duration) {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
			scheduled <- struct{}{}
		})
		m.StartReconnectLoop()
		defer m.Close()

		m.mu.Lock()
		m.state = StateReconnecting
		m.mu.Unlock()
		m.triggerReconnect()

		for i := 0; i < 3; i++ {
			select {
			case <-scheduled:
			case <-time.After(time.Second):
				t.Fatalf("attempt %d not scheduled", i+1)
			}
			// Let the loop block on its timer before advancing.
			time.Sleep(5 * time.Millisecond)
			mock.Add(200 * time.Millisecond)
		}

		waitState(t, m, StateConnected)

		mu.Lock()
		defer mu.Unlock()
		want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
		if len(delays) != len(want) {
			t.Fatalf("got %d delays, want %d", len(delays), len(want))
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
			}
		}
		if m.BackoffAttempts() != 0 {
			t.Errorf("BackoffAttempts() = %d after success, want 0", m.BackoffAttempts())
		}
	})

	t.Run("DisabledAutoReconnect", func(t *testing.T) {
		var connectCount atomic.Int32
		m := NewManager(func(ctx context.Context) error {
			connectCount.Add(1)
			return nil
		})
		m.SetAutoReconnect(false)
		m.StartReconnectLoop()
		defer m.Close()

		m.Connect(context.Background())
		m.Disconnect()

		time.Sleep(50 * time.Millisecond)

		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want StateDisconnected (no auto-reconnect)", m.State())
		}
		if connectCount.Load() != 1 {
			t.Errorf("Connect called %d times, want 1 (no reconnection)", connectCount.Load())
		}
	})

	t.Run("ClosedRejectsConnect", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		m.Close()
		if err := m.Connect(context.Background()); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Connect() after Close = %v, want ErrConnectionClosed", err)
		}
	})
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v, want %v", m.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()

	seq := b.Schedule(8)
	if len(seq) != 8 {
		t.Fatalf("Schedule(8) has %d elements", len(seq))
	}
	if seq[0] != InitialBackoff {
		t.Errorf("First element = %v, want %v", seq[0], InitialBackoff)
	}
	if seq[len(seq)-1] != MaxBackoff {
		t.Errorf("Last element = %v, want %v", seq[len(seq)-1], MaxBackoff)
	}
	if b.Attempts() != 2 {
		t.Errorf("Schedule changed Attempts() to %d", b.Attempts())
	}
}

func TestBackoffWithoutJitterIsDeterministic(t *testing.T) {
	b := NewBackoffWithConfig(BackoffConfig{Initial: 20 * time.Millisecond, Max: time.Second})
	for i := 0; i < 3; i++ {
		if b.Peek() != b.Peek() {
			t.Fatal("Peek varies without jitter")
		}
		b.Next()
	}
	if b.Current() != 160*time.Millisecond {
		t.Errorf("Current() = %v, want 160ms", b.Current())
	}
}
