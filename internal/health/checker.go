// Package health runs periodic liveness probes against every configured
// backend and classifies providers as healthy, degraded, or unavailable.
//
// Classification uses hysteresis so a single flaky probe never flips routing:
// three consecutive failures mark a provider unavailable and auto-disable it,
// two consecutive successes restore it. Operators can force providers in or
// out of rotation regardless of probe results.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 10 * time.Second

	failThreshold    = 3
	successThreshold = 2
)

// ChangeFunc is invoked (outside the checker lock) whenever a provider's
// classification changes.
type ChangeFunc func(provider string, from, to core.ProviderStatus)

// Options configures the Checker. Zero values get defaults.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	OnChange     ChangeFunc
	Store        *store.Store
	Logger       *slog.Logger
}

// Checker owns per-provider health state.
type Checker struct {
	mu        sync.RWMutex
	providers map[string]*providerState

	interval     time.Duration
	probeTimeout time.Duration
	onChange     ChangeFunc
	store        *store.Store
	log          *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type providerState struct {
	backend backend.Backend

	status       core.ProviderStatus
	consecFails  int
	consecOKs    int
	latency      time.Duration
	lastError    string
	checkedAt    time.Time
	autoDisabled bool
	forcedOff    bool
}

// ProviderHealth is the externally visible snapshot of one provider.
type ProviderHealth struct {
	Provider     string              `json:"provider"`
	Status       core.ProviderStatus `json:"status"`
	LatencyMs    int64               `json:"latency_ms"`
	LastError    string              `json:"last_error,omitempty"`
	CheckedAt    time.Time           `json:"checked_at"`
	AutoDisabled bool                `json:"auto_disabled"`
	ForcedOff    bool                `json:"forced_off"`
}

// New creates a checker over the given backends.
func New(backends map[string]backend.Backend, opts Options) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	providers := make(map[string]*providerState, len(backends))
	for name, b := range backends {
		providers[name] = &providerState{
			backend: b,
			status:  core.ProviderUnknown,
		}
	}

	return &Checker{
		providers:    providers,
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		onChange:     opts.OnChange,
		store:        opts.Store,
		log:          opts.Logger.With(slog.String("component", "health")),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run probes all providers immediately, then on every tick until ctx is done
// or Stop is called.
func (c *Checker) Run(ctx context.Context) {
	defer close(c.done)

	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// Stop terminates the Run loop and waits for it to exit.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// CheckAll probes every provider concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.RLock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c.CheckNow(ctx, name)
		}(name)
	}
	wg.Wait()
}

// CheckNow probes one provider synchronously and returns its new snapshot.
func (c *Checker) CheckNow(ctx context.Context, provider string) (ProviderHealth, bool) {
	c.mu.RLock()
	st, ok := c.providers[provider]
	c.mu.RUnlock()
	if !ok {
		return ProviderHealth{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	start := time.Now()
	err := st.backend.CheckHealth(probeCtx)
	latency := time.Since(start)
	cancel()

	c.mu.Lock()
	from := st.status
	st.latency = latency
	st.checkedAt = time.Now().UTC()

	if err != nil {
		st.lastError = err.Error()
		st.consecOKs = 0
		st.consecFails++
		if st.consecFails >= failThreshold {
			st.status = core.ProviderUnavailable
			st.autoDisabled = true
		} else if st.status == core.ProviderHealthy || st.status == core.ProviderUnknown {
			st.status = core.ProviderDegraded
		}
	} else {
		st.lastError = ""
		st.consecFails = 0
		st.consecOKs++
		if st.status == core.ProviderUnavailable || st.status == core.ProviderDegraded {
			if st.consecOKs >= successThreshold {
				st.status = core.ProviderHealthy
				st.autoDisabled = false
			}
		} else {
			st.status = core.ProviderHealthy
		}
	}

	to := st.status
	snap := snapshotLocked(provider, st)
	c.mu.Unlock()

	if from != to {
		c.log.Info("provider status changed",
			slog.String("provider", provider),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Duration("latency", latency),
		)
		if c.onChange != nil {
			c.onChange(provider, from, to)
		}
	}

	if c.store != nil {
		rec := &store.ProviderStatusRecord{
			Provider:  provider,
			Status:    to,
			LatencyMs: latency.Milliseconds(),
			LastError: snap.LastError,
			CheckedAt: snap.CheckedAt,
		}
		if err := c.store.SaveProviderStatus(ctx, rec); err != nil {
			c.log.Warn("persist provider status failed",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
		}
	}

	return snap, true
}

// ForceDisable takes a provider out of rotation until ForceEnable.
func (c *Checker) ForceDisable(provider string) bool {
	return c.setForced(provider, true)
}

// ForceEnable returns a provider to rotation and clears auto-disable, letting
// probes re-evaluate from a clean slate.
func (c *Checker) ForceEnable(provider string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.providers[provider]
	if !ok {
		return false
	}
	st.forcedOff = false
	st.autoDisabled = false
	st.consecFails = 0
	return true
}

func (c *Checker) setForced(provider string, off bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.providers[provider]
	if !ok {
		return false
	}
	st.forcedOff = off
	return true
}

// Available reports whether a provider may receive traffic: not forced off,
// not auto-disabled, and not classified unavailable. Unknown (never probed)
// providers are available so cold starts do not blackhole traffic.
func (c *Checker) Available(provider string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.providers[provider]
	if !ok {
		return false
	}
	if st.forcedOff || st.autoDisabled {
		return false
	}
	return st.status != core.ProviderUnavailable
}

// Status returns a provider's classification, ProviderUnknown if never probed
// or not registered.
func (c *Checker) Status(provider string) core.ProviderStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.providers[provider]
	if !ok {
		return core.ProviderUnknown
	}
	return st.status
}

// Snapshot returns every provider's current health.
func (c *Checker) Snapshot() map[string]ProviderHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ProviderHealth, len(c.providers))
	for name, st := range c.providers {
		out[name] = snapshotLocked(name, st)
	}
	return out
}

func snapshotLocked(name string, st *providerState) ProviderHealth {
	return ProviderHealth{
		Provider:     name,
		Status:       st.status,
		LatencyMs:    st.latency.Milliseconds(),
		LastError:    st.lastError,
		CheckedAt:    st.checkedAt,
		AutoDisabled: st.autoDisabled,
		ForcedOff:    st.forcedOff,
	}
}
