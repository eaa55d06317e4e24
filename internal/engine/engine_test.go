package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/backend/mock"
	"github.com/nulpointcorp/ai-gateway/internal/backpressure"
	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/health"
	"github.com/nulpointcorp/ai-gateway/internal/queue"
	"github.com/nulpointcorp/ai-gateway/internal/reliability"
	"github.com/nulpointcorp/ai-gateway/internal/retry"
	"github.com/nulpointcorp/ai-gateway/internal/routing"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/internal/stream"
)

type harness struct {
	engine *Engine
	store  *store.Store
	cancel context.CancelFunc
}

func newHarness(t *testing.T, backends map[string]backend.Backend, tweak func(*Options)) *harness {
	t.Helper()

	st, err := store.Open(&store.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(32)
	sm := stream.New(st, stream.Options{FlushInterval: 10 * time.Millisecond})
	t.Cleanup(sm.Close)

	var names []string
	for name := range backends {
		names = append(names, name)
	}

	opts := Options{
		Store:        st,
		Queue:        q,
		Backpressure: backpressure.New(backpressure.Options{MaxConcurrent: 4, DepthFunc: q.Depth}),
		Health:       health.New(backends, health.Options{}),
		Tracker:      reliability.New(3),
		Router: routing.New(routing.Options{
			Providers:       names,
			Groups:          map[string][]string{"all": names},
			DefaultProvider: names[0],
		}),
		Cache:           cache.New(st, cache.Options{Enabled: true}),
		Stream:          sm,
		Backends:        backends,
		ParallelEnabled: true,
		Retry: retry.Options{
			MaxAttempts: 2,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	}
	if tweak != nil {
		tweak(&opts)
	}

	e := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		q.Shutdown()
		e.Drain()
	})
	return &harness{engine: e, store: st, cancel: cancel}
}

func submitAndWait(t *testing.T, h *harness, req *core.Request) *core.Response {
	t.Helper()
	if err := h.engine.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.engine.Wait(ctx, req.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return resp
}

func TestSubmitProcessesToCompletion(t *testing.T) {
	h := newHarness(t, map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha"}),
	}, nil)

	req := &core.Request{Provider: "alpha", Message: "hello"}
	resp := submitAndWait(t, h, req)

	if resp.Status != core.StatusCompleted {
		t.Fatalf("status = %s (error %q)", resp.Status, resp.Error)
	}
	if resp.Response != "echo: hello" {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.Provider != "alpha" {
		t.Errorf("provider = %q", resp.Provider)
	}

	stored, err := h.store.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if stored.Status != core.StatusCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
	if stored.StartedAt == nil || stored.CompletedAt == nil {
		t.Error("terminal request missing timestamps")
	}
}

func TestSecondIdenticalRequestHitsCache(t *testing.T) {
	b := mock.New(mock.Config{Name: "alpha"})
	h := newHarness(t, map[string]backend.Backend{"alpha": b}, nil)

	first := submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "same question"})
	if first.Cached {
		t.Fatal("first request served from cache")
	}

	second := submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "same question"})
	if !second.Cached {
		t.Fatal("second request missed the cache")
	}
	if second.Response != first.Response {
		t.Errorf("cached response = %q, want %q", second.Response, first.Response)
	}
	if got := b.Calls(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestCacheBypassSkipsCache(t *testing.T) {
	b := mock.New(mock.Config{Name: "alpha"})
	h := newHarness(t, map[string]backend.Backend{"alpha": b}, nil)

	submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "q"})
	resp := submitAndWait(t, h, &core.Request{
		Provider: "alpha",
		Message:  "q",
		Metadata: map[string]any{core.MetaCacheBypass: true},
	})
	if resp.Cached {
		t.Error("bypass request served from cache")
	}
	if got := b.Calls(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	b := mock.New(mock.Config{Name: "alpha", FailFirst: 1})
	h := newHarness(t, map[string]backend.Backend{"alpha": b}, nil)

	resp := submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "flaky"})
	if resp.Status != core.StatusCompleted {
		t.Fatalf("status = %s (error %q)", resp.Status, resp.Error)
	}
	if got := b.Calls(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
	if _, ok := resp.Metadata["retry_info"]; !ok {
		t.Fatal("response missing retry_info metadata")
	}
}

func TestFallbackMovesToNextProvider(t *testing.T) {
	primary := mock.New(mock.Config{Name: "alpha", FailFirst: 1000})
	secondary := mock.New(mock.Config{Name: "beta", Response: "from beta"})
	h := newHarness(t, map[string]backend.Backend{"alpha": primary, "beta": secondary},
		func(o *Options) {
			o.FallbackEnabled = true
			o.FallbackChains = map[string][]string{"alpha": {"beta"}}
		})

	resp := submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "x"})
	if resp.Status != core.StatusCompleted {
		t.Fatalf("status = %s (error %q)", resp.Status, resp.Error)
	}
	if resp.Provider != "beta" {
		t.Errorf("provider = %q, want beta", resp.Provider)
	}
	if resp.Response != "from beta" {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestAuthFailureFallsBackAndIsTracked(t *testing.T) {
	primary := mock.New(mock.Config{Name: "alpha", FailFirst: 1000, FailStatus: 401})
	secondary := mock.New(mock.Config{Name: "beta", Response: "from beta"})

	var tracker *reliability.Tracker
	h := newHarness(t, map[string]backend.Backend{"alpha": primary, "beta": secondary},
		func(o *Options) {
			o.FallbackEnabled = true
			o.FallbackChains = map[string][]string{"alpha": {"beta"}}
			tracker = o.Tracker
		})

	resp := submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "x"})
	if resp.Status != core.StatusCompleted {
		t.Fatalf("status = %s (error %q)", resp.Status, resp.Error)
	}
	if resp.Provider != "beta" {
		t.Errorf("provider = %q, want beta", resp.Provider)
	}
	// Bad credentials are never retried on the same provider.
	if got := primary.Calls(); got != 1 {
		t.Errorf("primary calls = %d, want 1", got)
	}
	// The auth failure counts against alpha even though the request completed.
	score := tracker.Snapshot()["alpha"]
	if score.Failures != 1 || score.AuthFailures != 1 {
		t.Errorf("alpha score = %+v, want 1 failure / 1 auth failure", score)
	}
}

func TestFallbackSkipsProviderNeedingReauth(t *testing.T) {
	primary := mock.New(mock.Config{Name: "alpha", FailFirst: 1000})
	secondary := mock.New(mock.Config{Name: "beta", Response: "from beta"})

	tracker := reliability.New(3)
	// Three consecutive auth failures flag beta for re-authentication.
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("beta", "401 unauthorized")
	}

	h := newHarness(t, map[string]backend.Backend{"alpha": primary, "beta": secondary},
		func(o *Options) {
			o.FallbackEnabled = true
			o.FallbackChains = map[string][]string{"alpha": {"beta"}}
			o.Tracker = tracker
		})

	resp := submitAndWait(t, h, &core.Request{Provider: "alpha", Message: "x"})
	if resp.Status != core.StatusFailed {
		t.Fatalf("status = %s, want failed", resp.Status)
	}
	if got := secondary.Calls(); got != 0 {
		t.Errorf("flagged fallback provider called %d times, want 0", got)
	}
}

func TestRequestTimeoutYieldsTimeoutStatus(t *testing.T) {
	h := newHarness(t, map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha", Delay: 2 * time.Second}),
	}, nil)

	resp := submitAndWait(t, h, &core.Request{
		Provider: "alpha",
		Message:  "slow",
		Timeout:  50 * time.Millisecond,
	})
	if resp.Status != core.StatusTimeout {
		t.Fatalf("status = %s, want timeout", resp.Status)
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	st, err := store.Open(&store.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(8)
	sm := stream.New(st, stream.Options{})
	t.Cleanup(sm.Close)

	backends := map[string]backend.Backend{"alpha": mock.New(mock.Config{Name: "alpha"})}
	// No Run loop: the request stays queued.
	e := New(Options{
		Store:        st,
		Queue:        q,
		Backpressure: backpressure.New(backpressure.Options{DepthFunc: q.Depth}),
		Health:       health.New(backends, health.Options{}),
		Tracker:      reliability.New(3),
		Router:       routing.New(routing.Options{Providers: []string{"alpha"}, DefaultProvider: "alpha"}),
		Cache:        cache.New(st, cache.Options{}),
		Stream:       sm,
		Backends:     backends,
	})

	req := &core.Request{Provider: "alpha", Message: "waiting"}
	if err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Cancel(context.Background(), req.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	stored, err := st.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if stored.Status != core.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}

	// A queued cancel still leaves a terminal response behind.
	resp, err := st.GetResponse(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.Status != core.StatusCancelled {
		t.Errorf("response status = %s, want cancelled", resp.Status)
	}

	// Wait must observe the cancellation rather than block.
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	waited, err := e.Wait(waitCtx, req.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if waited.Status != core.StatusCancelled {
		t.Errorf("waited status = %s, want cancelled", waited.Status)
	}

	if err := e.Cancel(context.Background(), req.ID); err == nil {
		t.Error("cancelling a finished request succeeded")
	}
}

func TestAutoRoutingFillsProvider(t *testing.T) {
	h := newHarness(t, map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha"}),
	}, nil)

	resp := submitAndWait(t, h, &core.Request{Message: "route me"})
	if resp.Status != core.StatusCompleted {
		t.Fatalf("status = %s (error %q)", resp.Status, resp.Error)
	}
	if resp.Provider != "alpha" {
		t.Errorf("provider = %q, want default", resp.Provider)
	}
}

func TestParallelGroupAggregatesAll(t *testing.T) {
	h := newHarness(t, map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha", Response: "A"}),
		"beta":  mock.New(mock.Config{Name: "beta", Response: "B"}),
	}, nil)

	resp := submitAndWait(t, h, &core.Request{
		Provider: "@all",
		Message:  "fan out",
		Metadata: map[string]any{core.MetaAggregationStrategy: "all"},
	})
	if resp.Status != core.StatusCompleted {
		t.Fatalf("status = %s (error %q)", resp.Status, resp.Error)
	}
	if _, ok := resp.Metadata["all_responses"]; !ok {
		t.Fatal("parallel response missing all_responses metadata")
	}
	for _, needle := range []string{"A", "B"} {
		if !strings.Contains(resp.Response, needle) {
			t.Errorf("aggregated response %q missing %q", resp.Response, needle)
		}
	}
}

func TestUnknownAggregationStrategyFails(t *testing.T) {
	h := newHarness(t, map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha"}),
		"beta":  mock.New(mock.Config{Name: "beta"}),
	}, nil)

	resp := submitAndWait(t, h, &core.Request{
		Provider: "@all",
		Message:  "x",
		Metadata: map[string]any{core.MetaAggregationStrategy: "best_vibes"},
	})
	if resp.Status != core.StatusFailed {
		t.Fatalf("status = %s, want failed", resp.Status)
	}
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha"}),
	}, nil)

	if err := h.engine.Submit(context.Background(), &core.Request{Provider: "alpha", Message: "  "}); err == nil {
		t.Error("blank message accepted")
	}
}
