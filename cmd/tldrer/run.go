package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leonletto/tldrer/internal/jsonl"
	"github.com/leonletto/tldrer/internal/types"
	"github.com/leonletto/tldrer/internal/websocket"
)

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runCmd(g *globals) *cobra.Command {
	var noHTTP bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest messages from signal-cli",
		Long: `Start signal-cli in jsonRpc mode, store every inbound message and serve
the event stream on the configured HTTP address.

The command exits with an error when signal-cli goes away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, true)
			if err != nil {
				return err
			}
			log, err := logger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := startApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if !noHTTP && cfg.HTTP.Addr != "" {
				registry := websocket.NewRegistry()
				websocket.RegisterMethods(registry, a.svc)
				srv := websocket.NewServer(cfg.HTTP.Addr, registry,
					websocket.WithLogger(log.With().Str("component", "websocket").Logger()),
					websocket.WithMetrics(a.metrics),
				)
				if err := srv.Start(ctx); err != nil {
					return err
				}
				unfollow := srv.Follow(a.svc)
				defer func() {
					unfollow()
					if err := srv.Stop(); err != nil {
						log.Warn().Err(err).Msg("Event stream shutdown failed")
					}
				}()
			}

			if cfg.Archive.Path != "" {
				closeArchive, err := archive(a, cfg.Archive.Path)
				if err != nil {
					return err
				}
				defer closeArchive()
			}

			log.Info().Str("account", cfg.Account).Str("db", cfg.Database.Path).Msg("Ingesting")
			err = a.svc.Run(ctx)
			if ctx.Err() != nil {
				log.Info().Msg("Shutting down")
				return nil
			}
			return fmt.Errorf("signal-cli stopped: %w", err)
		},
	}
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "Do not serve the event stream")
	return cmd
}

// archive appends every published message to a JSONL file.
func archive(a *app, path string) (func(), error) {
	w, err := jsonl.NewWriter(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	sub := a.svc.Subscribe(func(_ context.Context, msg types.ChatMessage) error {
		return w.Append(msg)
	})
	a.log.Info().Str("path", path).Msg("Archiving messages")
	return func() {
		a.svc.Unsubscribe(sub)
		if err := w.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Closing archive failed")
		}
	}, nil
}

// runInBackground starts the service reader and returns a function that
// stops it and waits for it to exit.
func runInBackground(ctx context.Context, a *app) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.svc.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("signal-cli stopped")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
