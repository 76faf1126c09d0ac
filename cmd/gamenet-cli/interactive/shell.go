package interactive

import (
	"context"
	"fmt"
	"io"

	"github.com/chzyer/readline"
)

// Shell reads commands with line editing and runs them on a Client.
type Shell struct {
	rl     *readline.Instance
	client *Client
}

// NewShell creates the readline instance and a client printing through it.
func NewShell(cfg Config) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gamenet> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	client, err := NewClient(cfg, rl.Stdout())
	if err != nil {
		rl.Close()
		return nil, err
	}
	return &Shell{rl: rl, client: client}, nil
}

// Stderr returns a writer that coordinates with the prompt. Use it for log
// output.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Client returns the client commands run on.
func (s *Shell) Client() *Client { return s.client }

// Run reads commands until quit, EOF or ctx is done, then closes the client.
func (s *Shell) Run(ctx context.Context) error {
	defer s.rl.Close()

	s.client.printHelp()

	for {
		select {
		case <-ctx.Done():
			return s.client.Close()
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			s.client.printf("Exiting...\n")
			return s.client.Close()
		}

		if s.client.Exec(ctx, line) {
			return s.client.Close()
		}
	}
}
