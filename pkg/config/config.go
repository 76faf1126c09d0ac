// Package config loads the YAML configuration of a gamenet node.
//
// Zero values in the file fall back to the package defaults, so a file only
// needs the settings it changes:
//
//	tcp:
//	  listen: ":7700"
//	  security_level: 1
//	  secret: "shared-secret-of-16+"
//	udp:
//	  listen: ":7701"
//	  tag: 42
//	  peers:
//	    - tag: 7
//	      addresses: ["192.168.1.20:7701", "203.0.113.9:40112"]
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/gamenet-io/gamenet-go/pkg/cipher"
	"github.com/gamenet-io/gamenet-go/pkg/message"
	"github.com/gamenet-io/gamenet-go/pkg/rudp"
	"github.com/gamenet-io/gamenet-go/pkg/transport"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the node configuration.
type Config struct {
	Reactor   ReactorConfig   `yaml:"reactor"`
	TCP       TCPConfig       `yaml:"tcp"`
	UDP       UDPConfig       `yaml:"udp"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	STUN      STUNConfig      `yaml:"stun"`
}

// ReactorConfig sizes the I/O reactor.
type ReactorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// TCPConfig configures the stream server and its channels.
type TCPConfig struct {
	// Listen is the server address. Empty disables the server.
	Listen        string          `yaml:"listen"`
	SecurityLevel uint8           `yaml:"security_level"`
	Secret        string          `yaml:"secret"`
	MaxFrameSize  int             `yaml:"max_frame_size"`
	KeepAlive     KeepAliveConfig `yaml:"keep_alive"`
}

// KeepAliveConfig configures channel ping/pong.
type KeepAliveConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMissedPongs int           `yaml:"max_missed_pongs"`
}

// UDPConfig configures the datagram hub and its peers.
type UDPConfig struct {
	// Listen is the hub address. Empty disables the hub.
	Listen string `yaml:"listen"`

	// Tag is the local peer tag.
	Tag uint32 `yaml:"tag"`

	// Accept answers SYNs from peers not listed below.
	Accept bool `yaml:"accept"`

	TickInterval      time.Duration `yaml:"tick_interval"`
	SynInterval       time.Duration `yaml:"syn_interval"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	CloseWaitTimeout  time.Duration `yaml:"close_wait_timeout"`
	InitialRTT        time.Duration `yaml:"initial_rtt"`
	AckDelay          time.Duration `yaml:"ack_delay"`
	MaxAckDelay       time.Duration `yaml:"max_ack_delay"`

	Peers []PeerEntry `yaml:"peers"`
}

// PeerEntry is a remote peer connected at startup.
type PeerEntry struct {
	Tag       uint32   `yaml:"tag"`
	Addresses []string `yaml:"addresses"`
}

// LogConfig configures operational and protocol logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Protocol is the capture file path. Empty disables capture.
	Protocol string `yaml:"protocol"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// DiscoveryConfig configures mDNS advertisement.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// STUNConfig configures reflexive address discovery.
type STUNConfig struct {
	// Server is host:port of a STUN server. Empty disables discovery.
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults.
const (
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultSTUNTimeout = 5 * time.Second
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		TCP: TCPConfig{Listen: transport.DefaultAddress},
		UDP: UDPConfig{Listen: rudp.DefaultAddress, Tag: 1},
	}
	c.applyDefaults()
	return c
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates YAML data.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Reactor.QueueSize <= 0 {
		c.Reactor.QueueSize = 4096
	}
	if c.TCP.MaxFrameSize <= 0 {
		c.TCP.MaxFrameSize = transport.MaxPayloadSize
	}
	ka := &c.TCP.KeepAlive
	if ka.PingInterval <= 0 {
		ka.PingInterval = transport.DefaultPingInterval
	}
	if ka.PongTimeout <= 0 {
		ka.PongTimeout = transport.DefaultPongTimeout
	}
	if ka.MaxMissedPongs <= 0 {
		ka.MaxMissedPongs = transport.DefaultMaxMissedPongs
	}

	u := &c.UDP
	setDuration(&u.TickInterval, rudp.DefaultTickInterval)
	setDuration(&u.SynInterval, rudp.DefaultSynInterval)
	setDuration(&u.OpenTimeout, rudp.DefaultOpenTimeout)
	setDuration(&u.KeepAliveInterval, rudp.DefaultKeepAliveInterval)
	setDuration(&u.InactivityTimeout, rudp.DefaultInactivityTimeout)
	setDuration(&u.CloseWaitTimeout, rudp.DefaultCloseWaitTimeout)
	setDuration(&u.InitialRTT, rudp.DefaultInitialRTT)
	setDuration(&u.AckDelay, rudp.DefaultAckDelay)
	setDuration(&u.MaxAckDelay, rudp.DefaultMaxAckDelay)

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	setDuration(&c.STUN.Timeout, DefaultSTUNTimeout)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Reactor.Workers < 0 {
		invalid("reactor.workers must not be negative")
	}

	if c.TCP.SecurityLevel > 0 && len(c.TCP.Secret) < cipher.MinSecretSize {
		invalid("tcp.secret must be at least %d bytes when security_level > 0", cipher.MinSecretSize)
	}
	if c.TCP.MaxFrameSize > transport.MaxPayloadSize {
		invalid("tcp.max_frame_size exceeds %d", transport.MaxPayloadSize)
	}
	if c.TCP.KeepAlive.PongTimeout >= c.TCP.KeepAlive.PingInterval {
		invalid("tcp.keep_alive.pong_timeout must be shorter than ping_interval")
	}

	if c.UDP.Listen != "" && c.UDP.Tag == 0 {
		invalid("udp.tag is required")
	}
	if c.UDP.AckDelay > c.UDP.MaxAckDelay {
		invalid("udp.ack_delay exceeds max_ack_delay")
	}
	seen := make(map[uint32]bool)
	for i, p := range c.UDP.Peers {
		if p.Tag == 0 {
			invalid("udp.peers[%d].tag is required", i)
		}
		if seen[p.Tag] {
			invalid("udp.peers[%d]: duplicate tag %d", i, p.Tag)
		}
		seen[p.Tag] = true
		if len(p.Addresses) == 0 {
			invalid("udp.peers[%d]: no addresses", i)
		}
		for _, a := range p.Addresses {
			if _, err := netip.ParseAddrPort(a); err != nil {
				invalid("udp.peers[%d]: %v", i, err)
			}
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		invalid("log.format must be text or json, got %q", f)
	}

	if c.Discovery.Enabled && c.UDP.Listen == "" {
		invalid("discovery needs udp.listen")
	}
	if c.STUN.Server != "" && c.UDP.Listen == "" {
		invalid("stun needs udp.listen")
	}
	return errs
}

// ChannelConfig builds the channel configuration for the stream server and
// clients. Logger and Capture are left to the caller.
func (c TCPConfig) ChannelConfig(messages message.Factory) (transport.ChannelConfig, error) {
	cfg := transport.ChannelConfig{
		SecurityLevel: c.SecurityLevel,
		Messages:      messages,
		MaxFrameSize:  c.MaxFrameSize,
	}
	if c.Secret != "" {
		f, err := cipher.NewAEADFactory([]byte(c.Secret))
		if err != nil {
			return transport.ChannelConfig{}, fmt.Errorf("config: tcp cipher: %w", err)
		}
		cfg.Cipher = f
	}
	if c.KeepAlive.Enabled {
		cfg.KeepAlive = &transport.KeepAliveConfig{
			PingInterval:   c.KeepAlive.PingInterval,
			PongTimeout:    c.KeepAlive.PongTimeout,
			MaxMissedPongs: c.KeepAlive.MaxMissedPongs,
		}
	}
	return cfg, nil
}

// PeerConfig builds the peer timers.
func (c UDPConfig) PeerConfig() rudp.PeerConfig {
	return rudp.PeerConfig{
		SynInterval:       c.SynInterval,
		OpenTimeout:       c.OpenTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		InactivityTimeout: c.InactivityTimeout,
		CloseWaitTimeout:  c.CloseWaitTimeout,
		Window: rudp.WindowConfig{
			InitialRTT:  c.InitialRTT,
			AckDelay:    c.AckDelay,
			MaxAckDelay: c.MaxAckDelay,
		},
	}
}

// Candidates returns the parsed addresses of the peer.
func (p PeerEntry) Candidates() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(p.Addresses))
	for _, a := range p.Addresses {
		if ap, err := netip.ParseAddrPort(a); err == nil {
			out = append(out, ap)
		}
	}
	return out
}

// NewLogger builds the operational logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}
