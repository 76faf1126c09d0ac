// Command gamenet-node runs a gamenet endpoint.
//
// The node listens for framed TCP channels and reliable UDP peers, echoes
// text messages on both and answers status requests. It can advertise
// itself over mDNS, learn its external address through STUN, serve
// Prometheus metrics and write a protocol capture for gamenet-log.
//
// Usage:
//
//	gamenet-node [flags]
//
// Flags override the configuration file:
//
//	-config string        YAML configuration file
//	-tcp string           TCP listen address ("" disables)
//	-udp string           UDP listen address ("" disables)
//	-tag uint             Local peer tag
//	-accept               Accept peers that are not configured
//	-peer tag@addr[,addr] Connect to a peer (repeatable)
//	-metrics string       Metrics listen address
//	-mdns                 Advertise over mDNS
//	-stun string          STUN server host:port
//	-protocol-log string  Protocol capture file
//	-log-level string     debug, info, warn, error
//	-log-format string    text or json
//
// Examples:
//
//	# Start with defaults, accepting any peer
//	gamenet-node -accept
//
//	# Connect to peer 7 through two candidate addresses
//	gamenet-node -tag 42 -peer 7@192.168.1.20:7701,203.0.113.9:40112
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gamenet-io/gamenet-go/pkg/config"
	"github.com/gamenet-io/gamenet-go/pkg/node"
)

// peerFlags collects repeated -peer values.
type peerFlags []config.PeerEntry

func (p *peerFlags) String() string {
	parts := make([]string, len(*p))
	for i, e := range *p {
		parts[i] = fmt.Sprintf("%d@%s", e.Tag, strings.Join(e.Addresses, ","))
	}
	return strings.Join(parts, " ")
}

func (p *peerFlags) Set(v string) error {
	tagStr, addrs, ok := strings.Cut(v, "@")
	if !ok || addrs == "" {
		return fmt.Errorf("want tag@addr[,addr], got %q", v)
	}
	tag, err := strconv.ParseUint(tagStr, 0, 32)
	if err != nil {
		return fmt.Errorf("bad tag %q: %w", tagStr, err)
	}
	*p = append(*p, config.PeerEntry{Tag: uint32(tag), Addresses: strings.Split(addrs, ",")})
	return nil
}

func main() {
	var (
		configFile  = flag.String("config", "", "YAML configuration file")
		tcpAddr     = flag.String("tcp", "", "TCP listen address (\"\" disables)")
		udpAddr     = flag.String("udp", "", "UDP listen address (\"\" disables)")
		tag         = flag.Uint("tag", 0, "Local peer tag")
		accept      = flag.Bool("accept", false, "Accept peers that are not configured")
		metricsAddr = flag.String("metrics", "", "Metrics listen address")
		mdns        = flag.Bool("mdns", false, "Advertise over mDNS")
		stunServer  = flag.String("stun", "", "STUN server host:port")
		protocolLog = flag.String("protocol-log", "", "Protocol capture file")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormat   = flag.String("log-format", "", "Log format: text, json")
		peers       peerFlags
	)
	flag.Var(&peers, "peer", "Connect to a peer: tag@addr[,addr] (repeatable)")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tcp":
			cfg.TCP.Listen = *tcpAddr
		case "udp":
			cfg.UDP.Listen = *udpAddr
		case "tag":
			cfg.UDP.Tag = uint32(*tag)
		case "accept":
			cfg.UDP.Accept = *accept
		case "metrics":
			cfg.Metrics.Listen = *metricsAddr
		case "mdns":
			cfg.Discovery.Enabled = *mdns
		case "stun":
			cfg.STUN.Server = *stunServer
		case "protocol-log":
			cfg.Log.Protocol = *protocolLog
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	cfg.UDP.Peers = append(cfg.UDP.Peers, peers...)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("create node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("gamenet node",
		"tcp", cfg.TCP.Listen,
		"udp", cfg.UDP.Listen,
		"tag", cfg.UDP.Tag,
		"peers", len(cfg.UDP.Peers))

	if err := n.Run(ctx); err != nil {
		logger.Error("node stopped with error", "error", err)
		os.Exit(1)
	}
}
