// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore: SQLite state store, optional Redis
//  2. initBackends: provider adapters
//  3. initServices: queue, backpressure, health, routing, cache, streams
//  4. initEngine: lifecycle engine and discussion orchestrator
//  5. initServer: HTTP surface and maintenance jobs
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/auth"
	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/backpressure"
	"github.com/nulpointcorp/ai-gateway/internal/bus"
	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/discussion"
	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/health"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/queue"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/reliability"
	"github.com/nulpointcorp/ai-gateway/internal/routing"
	"github.com/nulpointcorp/ai-gateway/internal/server"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/internal/stream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st  *store.Store
	rdb *redis.Client

	backends map[string]backend.Backend

	q       *queue.Queue
	bp      *backpressure.Controller
	hc      *health.Checker
	tracker *reliability.Tracker
	router  *routing.Router
	cache   *cache.Manager
	streams *stream.Manager
	hub     *bus.Hub
	prom    *metrics.Metrics
	limiter *ratelimit.Limiter
	keys    *auth.Manager

	eng  *engine.Engine
	disc *discussion.Orchestrator
	srv  *server.Server
	jobs *cron.Cron
}

// New initialises all subsystems and returns a ready-to-run App. Resources
// allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"engine", a.initEngine},
		{"server", a.initServer},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// Run starts every loop and blocks until ctx is cancelled or a component
// fails. Shutdown drains in-flight work before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	a.log.Info("starting gateway",
		slog.String("version", server.Version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.backends)),
		slog.Int("max_concurrent", a.cfg.MaxConcurrent),
	)

	a.jobs.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.srv.Start(addr) })

	g.Go(func() error {
		err := a.eng.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.hc.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.bp.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.q.Shutdown()
		a.eng.Drain()
		a.disc.Wait()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more than
// once.
func (a *App) Close() {
	if a.jobs != nil {
		jctx := a.jobs.Stop()
		select {
		case <-jctx.Done():
		case <-time.After(10 * time.Second):
			a.log.Warn("maintenance jobs did not stop in time")
		}
		a.jobs = nil
	}
	if a.hub != nil {
		a.hub.Close()
		a.hub = nil
	}
	if a.streams != nil {
		a.streams.Close()
		a.streams = nil
	}
	if a.hc != nil {
		a.hc.Stop()
	}
	if a.bp != nil {
		a.bp.Stop()
	}
	for name, b := range a.backends {
		if err := b.Shutdown(); err != nil {
			a.log.Error("backend shutdown error",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
		}
	}
	a.backends = nil
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}
