package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/logging"
)

// Command describes the chat-transport subprocess.
type Command struct {
	Path    string   // executable, e.g. "signal-cli"
	Account string   // account number passed with -a
	Args    []string // extra global arguments placed before the subcommand
}

// argv builds "<args...> -a <account> jsonRpc".
func (c Command) argv() []string {
	argv := append([]string{}, c.Args...)
	if c.Account != "" {
		argv = append(argv, "-a", c.Account)
	}
	return append(argv, "jsonRpc")
}

// Process is a running subprocess speaking JSON-RPC on its stdio.
type Process struct {
	*Transport
	cmd *exec.Cmd
	log zerolog.Logger
}

// Start launches the subprocess and wires its stdin/stdout into a Transport.
// Stderr lines are forwarded to the logger. The caller must call Run on the
// returned process.
func Start(ctx context.Context, c Command, opts ...Option) (*Process, error) {
	if c.Path == "" {
		return nil, errors.New("transport command path is empty")
	}

	cmd := exec.CommandContext(ctx, c.Path, c.argv()...) //nolint:gosec // G204 - path comes from operator config
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	t := New(stdout, stdin, opts...)
	p := &Process{
		Transport: t,
		cmd:       cmd,
		log:       t.log.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go logging.Pipe(stderr, p.log.With().Str("stream", "stderr").Logger(), zerolog.WarnLevel)

	p.log.Info().Str("path", c.Path).Strs("args", c.argv()).Msg("Started chat transport process")
	return p, nil
}

// Run reads from the subprocess until its stdout closes, then reaps it.
// The returned error wraps ErrClosed and, when available, the exit status.
func (p *Process) Run(ctx context.Context) error {
	runErr := p.Transport.Run(ctx)
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		p.log.Error().Err(waitErr).Msg("Chat transport process exited")
		return fmt.Errorf("%w (process: %v)", runErr, waitErr)
	}
	p.log.Warn().Msg("Chat transport process exited cleanly")
	return runErr
}
