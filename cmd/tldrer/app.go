package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/config"
	"github.com/leonletto/tldrer/internal/fanout"
	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/resolver"
	"github.com/leonletto/tldrer/internal/signal"
	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/transport"
)

// app is a running signal-cli subprocess wired to the store and service.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	store   *store.Store
	proc    *transport.Process
	svc     *signal.Service
}

func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}

// startApp opens the store and launches signal-cli. The subprocess lives
// until ctx is canceled; call svc.Run to start reading from it.
func startApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	m := newMetrics()

	st, err := store.Open(cfg.Database.Path,
		store.WithLogger(log.With().Str("component", "store").Logger()),
		store.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	proc, err := transport.Start(ctx, transport.Command{
		Path:    cfg.SignalCLI.Path,
		Account: cfg.Account,
		Args:    cfg.SignalCLI.Args,
	},
		transport.WithLogger(log.With().Str("component", "transport").Logger()),
		transport.WithMetrics(m),
		transport.WithMaxInFlight(cfg.Ingest.MaxInFlight),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	fan := fanout.New(
		fanout.WithLogger(log.With().Str("component", "fanout").Logger()),
		fanout.WithMetrics(m),
	)
	svc := signal.NewService(signal.Config{
		Account:         cfg.Account,
		CallTimeout:     cfg.RPC.CallTimeout,
		RefreshInterval: cfg.Resolver.RefreshInterval,
		SendRate:        cfg.Send.RatePerSecond,
		SendBurst:       cfg.Send.Burst,
	}, proc, st, fan,
		signal.WithLogger(log.With().Str("component", "signal").Logger()),
		signal.WithMetrics(m),
		signal.WithResolverOptions(resolver.WithThreshold(cfg.Resolver.Threshold)),
	)

	return &app{cfg: cfg, log: log, metrics: m, store: st, proc: proc, svc: svc}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
