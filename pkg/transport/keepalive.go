package transport

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Keep-alive defaults.
const (
	DefaultPingInterval   = 5 * time.Second
	DefaultPongTimeout    = 2 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures stream keep-alive.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout is how long a ping may go unanswered before it counts as missed.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of consecutive misses that fail the channel.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the worst-case time to notice a dead peer.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c *KeepAliveConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
}

// KeepAliveStats is a snapshot of keep-alive state.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	LastRTT      time.Duration
	MissedPongs  int
	CurrentSeq   uint32
}

// KeepAlive sends pings on a ticker and reports a timeout after too many
// missed pongs.
type KeepAlive struct {
	config    KeepAliveConfig
	clock     clock.Clock
	sendPing  func(seq uint32) error
	onTimeout func()

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	seq         uint32
	pending     bool
	missedPongs int
	lastPing    time.Time
	lastPong    time.Time
	lastRTT     time.Duration
}

// NewKeepAlive creates a keep-alive monitor. clk may be nil for the wall clock.
func NewKeepAlive(config KeepAliveConfig, clk clock.Clock, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &KeepAlive{
		config:    config,
		clock:     clk,
		sendPing:  sendPing,
		onTimeout: onTimeout,
	}
}

// Start begins monitoring. It is a no-op when already running.
func (ka *KeepAlive) Start() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if ka.running {
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})

	ticker := ka.clock.Ticker(ka.config.PingInterval)
	go ka.loop(ticker, ka.stopCh)
}

// Stop ends monitoring.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// IsRunning reports whether monitoring is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// PongReceived records a pong. Pongs for an older ping are ignored.
func (ka *KeepAlive) PongReceived(seq uint32) {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	now := ka.clock.Now()
	ka.lastPong = now
	if ka.pending && seq == ka.seq {
		ka.pending = false
		ka.missedPongs = 0
		ka.lastRTT = now.Sub(ka.lastPing)
	}
}

// Stats returns a snapshot of keep-alive state.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPing,
		LastPongTime: ka.lastPong,
		LastRTT:      ka.lastRTT,
		MissedPongs:  ka.missedPongs,
		CurrentSeq:   ka.seq,
	}
}

func (ka *KeepAlive) loop(ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !ka.tick() {
				return
			}
		}
	}
}

// tick checks the outstanding ping and sends the next one. It returns false
// once the timeout fired.
func (ka *KeepAlive) tick() bool {
	ka.mu.Lock()
	if ka.pending && ka.clock.Since(ka.lastPing) >= ka.config.PongTimeout {
		ka.pending = false
		ka.missedPongs++
		if ka.missedPongs >= ka.config.MaxMissedPongs {
			ka.running = false
			close(ka.stopCh)
			ka.mu.Unlock()
			if ka.onTimeout != nil {
				ka.onTimeout()
			}
			return false
		}
	}

	ka.seq++
	seq := ka.seq
	ka.lastPing = ka.clock.Now()
	ka.pending = true
	ka.mu.Unlock()

	if err := ka.sendPing(seq); err != nil {
		// Counts as missed at the next tick.
		return true
	}
	return true
}
