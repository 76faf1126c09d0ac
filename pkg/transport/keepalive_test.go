package transport

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestKeepAliveConfig(t *testing.T) {
	config := DefaultKeepAliveConfig()

	if config.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", config.PingInterval, DefaultPingInterval)
	}
	if config.PongTimeout != DefaultPongTimeout {
		t.Errorf("PongTimeout = %v, want %v", config.PongTimeout, DefaultPongTimeout)
	}
	if config.MaxMissedPongs != DefaultMaxMissedPongs {
		t.Errorf("MaxMissedPongs = %d, want %d", config.MaxMissedPongs, DefaultMaxMissedPongs)
	}

	delay := config.DetectionDelay()
	expected := 5*time.Second*3 + 2*time.Second
	if delay != expected {
		t.Errorf("DetectionDelay = %v, want %v", delay, expected)
	}
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKeepAlivePongResetsMisses(t *testing.T) {
	mock := clock.NewMock()
	var pings atomic.Int32
	var lastSeq atomic.Uint32
	var timedOut atomic.Bool

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    500 * time.Millisecond,
		MaxMissedPongs: 2,
	}, mock, func(seq uint32) error {
		pings.Add(1)
		lastSeq.Store(seq)
		return nil
	}, func() { timedOut.Store(true) })

	ka.Start()
	defer ka.Stop()

	mock.Add(time.Second)
	for i := 1; i <= 5; i++ {
		waitFor(t, "ping", func() bool { return pings.Load() == int32(i) })
		mock.Add(100 * time.Millisecond)
		ka.PongReceived(lastSeq.Load())
		if i < 5 {
			mock.Add(900 * time.Millisecond)
		}
	}

	stats := ka.Stats()
	if stats.MissedPongs != 0 {
		t.Errorf("MissedPongs = %d, want 0", stats.MissedPongs)
	}
	if stats.CurrentSeq != 5 {
		t.Errorf("CurrentSeq = %d, want 5", stats.CurrentSeq)
	}
	if stats.LastRTT != 100*time.Millisecond {
		t.Errorf("LastRTT = %v, want 100ms", stats.LastRTT)
	}
	if timedOut.Load() {
		t.Error("timeout fired despite pongs")
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	mock := clock.NewMock()
	var pings atomic.Int32
	timeout := make(chan struct{})

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    500 * time.Millisecond,
		MaxMissedPongs: 2,
	}, mock, func(uint32) error {
		pings.Add(1)
		return nil
	}, func() { close(timeout) })

	ka.Start()

	mock.Add(time.Second)
	waitFor(t, "first ping", func() bool { return pings.Load() == 1 })
	mock.Add(time.Second)
	waitFor(t, "second ping", func() bool { return pings.Load() == 2 })
	if ka.Stats().MissedPongs != 1 {
		t.Errorf("MissedPongs = %d, want 1", ka.Stats().MissedPongs)
	}
	mock.Add(time.Second)

	select {
	case <-timeout:
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}
	if ka.IsRunning() {
		t.Error("keep-alive still running after timeout")
	}
}

func TestKeepAliveStalePong(t *testing.T) {
	mock := clock.NewMock()
	var pings atomic.Int32

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    500 * time.Millisecond,
		MaxMissedPongs: 3,
	}, mock, func(uint32) error {
		pings.Add(1)
		return nil
	}, nil)
	ka.Start()
	defer ka.Stop()

	mock.Add(time.Second)
	waitFor(t, "ping", func() bool { return pings.Load() == 1 })
	mock.Add(time.Second)
	waitFor(t, "ping", func() bool { return pings.Load() == 2 })

	// A pong for seq 1 arrives after seq 2 went out.
	ka.PongReceived(1)
	mock.Add(time.Second)
	waitFor(t, "ping", func() bool { return pings.Load() == 3 })

	if got := ka.Stats().MissedPongs; got != 2 {
		t.Errorf("MissedPongs = %d, want 2", got)
	}
}

func TestKeepAliveSendErrorCountsAsMiss(t *testing.T) {
	mock := clock.NewMock()
	var attempts atomic.Int32
	timeout := make(chan struct{})

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   time.Second,
		PongTimeout:    time.Second,
		MaxMissedPongs: 1,
	}, mock, func(uint32) error {
		attempts.Add(1)
		return errors.New("write failed")
	}, func() { close(timeout) })
	ka.Start()

	mock.Add(time.Second)
	waitFor(t, "ping attempt", func() bool { return attempts.Load() == 1 })
	mock.Add(time.Second)

	select {
	case <-timeout:
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}
}

func TestKeepAliveStartStop(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{}, clock.NewMock(), func(uint32) error { return nil }, nil)

	ka.Start()
	ka.Start()
	if !ka.IsRunning() {
		t.Error("expected running")
	}
	ka.Stop()
	ka.Stop()
	if ka.IsRunning() {
		t.Error("expected stopped")
	}
}
