package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/pure-golang/bulkmail/history"
	"github.com/pure-golang/bulkmail/logger"
	"github.com/pure-golang/bulkmail/metrics"
	"github.com/pure-golang/bulkmail/tracing"
	"github.com/pure-golang/bulkmail/tracing/otlp"
)

// app owns the ambient resources of one command invocation.
type app struct {
	cfg     *config
	log     *slog.Logger
	closers []io.Closer
}

func newApp(ctx context.Context, envFiles []string) (*app, context.Context, error) {
	cfg, err := loadConfig(envFiles)
	if err != nil {
		return nil, ctx, errors.Wrap(err, "failed to load config")
	}

	a := &app{cfg: cfg, log: logger.InitDefault(cfg.Logger)}
	ctx = logger.NewContext(ctx, a.log)

	m, err := metrics.InitDefault(cfg.Metrics)
	if err != nil {
		return nil, ctx, err
	}
	a.closers = append(a.closers, m)

	if cfg.Tracing.Enabled() {
		tp, err := tracing.Init(otlp.NewProviderBuilder(cfg.Tracing))
		if err != nil {
			logger.FromContextWithErr(ctx, err).Warn("tracing disabled")
		}
		a.closers = append(a.closers, tp)
	}

	return a, ctx, nil
}

// openHistory connects the run log when POSTGRES_HOST is set.
func (a *app) openHistory(ctx context.Context) (*history.Store, error) {
	if !a.cfg.History.Enabled() {
		return nil, nil
	}

	store, err := history.Connect(ctx, a.cfg.History)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	a.closers = append(a.closers, store)
	return store, nil
}

func (a *app) add(c io.Closer) {
	a.closers = append(a.closers, c)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("failed to release resource", "error", err.Error())
		}
	}
}
