// Command gamenet-cli is an interactive gamenet client.
//
// It opens TCP channels and reliable UDP peers towards gamenet nodes, sends
// text and status requests, browses mDNS for nodes and shows transport
// statistics.
//
// Usage:
//
//	gamenet-cli [flags]
//
// Flags:
//
//	-tag uint            Local peer tag (default 1000)
//	-udp string          UDP listen address (default ":0")
//	-security-level int  Minimum TCP security level
//	-secret string       Shared TCP secret
//	-log-level string    debug, info, warn, error (default "warn")
//
// Example session:
//
//	gamenet> udp 42 192.168.1.20:7701
//	gamenet> send 42 ordered hello
//	gamenet> status 42
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamenet-io/gamenet-go/cmd/gamenet-cli/interactive"
	"github.com/gamenet-io/gamenet-go/pkg/config"
)

func main() {
	var (
		tag      = flag.Uint("tag", 1000, "Local peer tag")
		udpAddr  = flag.String("udp", ":0", "UDP listen address")
		level    = flag.Uint("security-level", 0, "Minimum TCP security level")
		secret   = flag.String("secret", "", "Shared TCP secret")
		logLevel = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	tcp := config.TCPConfig{SecurityLevel: uint8(*level), Secret: *secret}
	chCfg, err := tcp.ChannelConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := interactive.Config{
		Tag:       uint32(*tag),
		UDPListen: *udpAddr,
		Channel:   chCfg,
	}

	// The logger is attached after the shell exists so that log lines do
	// not break the prompt.
	var logWriter lazyWriter
	logger, err := config.LogConfig{Level: *logLevel}.NewLogger(&logWriter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Logger = logger
	slog.SetDefault(logger)

	shell, err := interactive.NewShell(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logWriter.Set(shell.Stderr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := shell.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
