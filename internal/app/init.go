package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/nulpointcorp/ai-gateway/internal/auth"
	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/backend/anthropic"
	"github.com/nulpointcorp/ai-gateway/internal/backend/cli"
	"github.com/nulpointcorp/ai-gateway/internal/backend/gemini"
	"github.com/nulpointcorp/ai-gateway/internal/backend/mock"
	"github.com/nulpointcorp/ai-gateway/internal/backend/openaicompat"
	"github.com/nulpointcorp/ai-gateway/internal/backpressure"
	"github.com/nulpointcorp/ai-gateway/internal/bus"
	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/discussion"
	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/health"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/queue"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/reliability"
	"github.com/nulpointcorp/ai-gateway/internal/retry"
	"github.com/nulpointcorp/ai-gateway/internal/routing"
	"github.com/nulpointcorp/ai-gateway/internal/server"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/internal/stream"
)

// reauthThreshold is how many consecutive auth failures flag a provider for
// re-authentication.
const reauthThreshold = 3

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.StorePath != ":memory:" {
		if dir := filepath.Dir(a.cfg.StorePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	st, err := store.Open(&store.Config{Path: a.cfg.StorePath}, a.log)
	if err != nil {
		return err
	}
	a.st = st

	if a.cfg.Redis.URL != "" {
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			// Rate limiting degrades open; a dead Redis must not stop startup.
			a.log.Warn("redis unavailable, rate limiting disabled",
				slog.String("url", redactURL(a.cfg.Redis.URL)),
				slog.String("error", err.Error()),
			)
		} else {
			a.rdb = rdb
			a.log.Info("redis connected", slog.String("url", redactURL(a.cfg.Redis.URL)))
		}
	}
	return nil
}

func (a *App) initBackends(ctx context.Context) error {
	a.backends = make(map[string]backend.Backend, len(a.cfg.Providers))

	for name, p := range a.cfg.Providers {
		if !p.Enabled {
			a.log.Info("provider disabled in config", slog.String("provider", name))
			continue
		}

		var (
			b   backend.Backend
			err error
		)
		switch p.BackendType {
		case "openaicompat":
			b = openaicompat.New(openaicompat.Config{
				Name:        name,
				APIKey:      p.APIKey,
				BaseURL:     p.BaseURL,
				Model:       p.Model,
				HTTPTimeout: p.Timeout,
			})
		case "anthropic":
			b = anthropic.New(anthropic.Config{
				Name:        name,
				APIKey:      p.APIKey,
				BaseURL:     p.BaseURL,
				Model:       p.Model,
				HTTPTimeout: p.Timeout,
			})
		case "gemini":
			b, err = gemini.New(ctx, gemini.Config{
				Name:        name,
				APIKey:      p.APIKey,
				BaseURL:     p.BaseURL,
				Model:       p.Model,
				HTTPTimeout: p.Timeout,
			})
		case "cli":
			b, err = cli.New(cli.Config{
				Name:    name,
				Command: p.Command,
				Args:    p.Args,
			})
		case "mock":
			b = mock.New(mock.Config{Name: name})
		default:
			err = fmt.Errorf("unknown backend_type %q", p.BackendType)
		}
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}

		a.backends[name] = b
		a.log.Info("provider registered",
			slog.String("provider", name),
			slog.String("backend_type", p.BackendType),
			slog.Int("priority", p.Priority),
		)
	}

	if len(a.backends) == 0 {
		return fmt.Errorf("no enabled providers")
	}
	return nil
}

func (a *App) initServices(context.Context) error {
	a.prom = metrics.New()

	a.q = queue.New(a.cfg.MaxQueueDepth)

	a.bp = backpressure.New(backpressure.Options{
		MaxConcurrent:  a.cfg.MaxConcurrent,
		MaxQueueDepth:  a.cfg.MaxQueueDepth,
		SampleInterval: a.cfg.Backpressure.SampleInterval,
		SuccessWindow:  a.cfg.Backpressure.SuccessWindow,
		DepthFunc: func() int {
			depth := a.q.Depth()
			a.prom.QueueDepth.Set(float64(depth))
			return depth
		},
		Logger: a.log,
	})

	a.tracker = reliability.New(reauthThreshold)

	a.hub = bus.NewHub(a.log)
	a.hub.OnClientCountChange = func(count int) {
		a.prom.WSClients.Set(float64(count))
	}

	a.hc = health.New(a.backends, health.Options{
		Interval:     a.cfg.Health.CheckInterval,
		ProbeTimeout: a.cfg.Health.CheckTimeout,
		Store:        a.st,
		Logger:       a.log,
		OnChange: func(provider string, from, to core.ProviderStatus) {
			up := 0.0
			if to == core.ProviderHealthy || to == core.ProviderDegraded {
				up = 1.0
			}
			a.prom.ProviderUp.WithLabelValues(provider).Set(up)
			a.hub.Broadcast(core.EventProviderStatus, map[string]any{
				"provider": provider,
				"from":     from,
				"to":       to,
			})
		},
	})

	a.cache = cache.New(a.st, cache.Options{
		Enabled:    a.cfg.Cache.Enabled,
		TTL:        a.cfg.Cache.TTL,
		MaxEntries: a.cfg.Cache.MaxEntries,
		Logger:     a.log,
	})

	a.streams = stream.New(a.st, stream.Options{
		BatchSize: a.cfg.Streaming.BatchSize,
		Logger:    a.log,
	})

	providers := make([]string, 0, len(a.backends))
	for name := range a.backends {
		providers = append(providers, name)
	}
	a.router = routing.New(routing.Options{
		Rules:             a.cfg.Routing.Rules,
		Providers:         providers,
		Groups:            a.cfg.Parallel.ProviderGroups,
		DefaultProvider:   a.cfg.FirstProvider(),
		PerformanceWeight: a.cfg.Routing.PerformanceWeight,
		Available:         a.hc.Available,
		Metrics:           a.st.ProviderMetricsSince,
		Pricing:           a.cfg.Pricing,
		Logger:            a.log,
	})

	a.keys = auth.NewManager(a.st, a.log)

	if a.rdb != nil {
		providerRPM := make(map[string]int)
		for name, p := range a.cfg.Providers {
			if p.RateLimitRPM > 0 {
				providerRPM[name] = p.RateLimitRPM
			}
		}
		a.limiter = ratelimit.New(a.rdb, ratelimit.Options{
			ClientRPM:   a.cfg.RateLimit.RequestsPerMinute,
			Burst:       a.cfg.RateLimit.BurstSize,
			ProviderRPM: providerRPM,
		})
	}
	return nil
}

func (a *App) initEngine(context.Context) error {
	maxAttempts := a.cfg.Retry.MaxRetries + 1
	if !a.cfg.Retry.Enabled {
		maxAttempts = 1
	}

	a.eng = engine.New(engine.Options{
		Store:        a.st,
		Queue:        a.q,
		Backpressure: a.bp,
		Health:       a.hc,
		Tracker:      a.tracker,
		Router:       a.router,
		Cache:        a.cache,
		Stream:       a.streams,
		Metrics:      a.prom,
		Backends:     a.backends,
		Broadcast:    a.hub.Broadcast,
		Pricing:      a.cfg.Pricing,

		FallbackChains:  a.cfg.Retry.FallbackChains,
		FallbackEnabled: a.cfg.Retry.FallbackEnabled,
		ParallelEnabled: a.cfg.Parallel.Enabled,

		Retry: retry.Options{
			MaxAttempts:    maxAttempts,
			InitialBackoff: a.cfg.Retry.BaseDelay,
			MaxBackoff:     a.cfg.Retry.MaxDelay,
		},

		Logger: a.log,
	})

	a.disc = discussion.New(a.st, a.backends, discussion.Options{
		MinProviders:    a.cfg.Discussion.MinProviders,
		RoundTimeout:    a.cfg.Discussion.RoundTimeout,
		ProviderTimeout: a.cfg.Discussion.ProviderTimeout,
		Broadcast:       a.hub.Broadcast,
		Logger:          a.log,
	})
	return nil
}

func (a *App) initServer(context.Context) error {
	a.srv = server.New(server.Options{
		Engine:       a.eng,
		Store:        a.st,
		Queue:        a.q,
		Health:       a.hc,
		Backpressure: a.bp,
		Cache:        a.cache,
		Stream:       a.streams,
		Tracker:      a.tracker,
		Discussions:  a.disc,
		Hub:          a.hub,
		Auth:         a.keys,
		AuthOptions: auth.MiddlewareOptions{
			Enabled:        a.cfg.Auth.Enabled,
			Header:         a.cfg.Auth.HeaderName,
			PublicPaths:    a.cfg.Auth.PublicPaths,
			AllowLocalhost: a.cfg.Auth.AllowLocalhost,
		},
		Limiter:          a.limiter,
		Metrics:          a.prom,
		RateLimitEnabled: a.cfg.RateLimit.Enabled && a.limiter != nil,
		CORSOrigins:      a.cfg.CORSOrigins,
		Providers:        a.cfg.Providers,
		Groups:           a.cfg.Parallel.ProviderGroups,
		Pricing:          a.cfg.Pricing,
		Logger:           a.log,
	})

	a.jobs = cron.New()
	if _, err := a.jobs.AddFunc("@hourly", a.sweepRequests); err != nil {
		return err
	}
	if _, err := a.jobs.AddFunc("@every 10m", a.sweepCache); err != nil {
		return err
	}
	if _, err := a.jobs.AddFunc("@daily", a.sweepMetrics); err != nil {
		return err
	}
	return nil
}

// ── maintenance sweeps ────────────────────────────────────────────────────────

func (a *App) sweepRequests() {
	ctx, cancel := context.WithTimeout(a.baseCtx, time.Minute)
	defer cancel()

	ttl := time.Duration(a.cfg.RequestTTLHours) * time.Hour
	removed, err := a.st.CleanupRequestsOlderThan(ctx, ttl)
	if err != nil {
		a.log.Error("request cleanup failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		a.log.Info("expired requests removed", slog.Int64("count", removed))
	}
}

func (a *App) sweepCache() {
	ctx, cancel := context.WithTimeout(a.baseCtx, time.Minute)
	defer cancel()
	a.cache.Sweep(ctx)
}

// metricsRetention keeps request metrics long enough for month-scale cost
// reports.
const metricsRetention = 90 * 24 * time.Hour

func (a *App) sweepMetrics() {
	ctx, cancel := context.WithTimeout(a.baseCtx, time.Minute)
	defer cancel()

	removed, err := a.st.CleanupMetricsOlderThan(ctx, metricsRetention)
	if err != nil {
		a.log.Error("metrics cleanup failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		a.log.Info("expired metrics removed", slog.Int64("count", removed))
	}
}

// ── redis ─────────────────────────────────────────────────────────────────────

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// redactURL strips credentials so connection URLs can be logged.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
