package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// flakyBackend fails or succeeds on demand.
type flakyBackend struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Execute(_ context.Context, _ *core.Request) (*backend.Result, error) {
	return &backend.Result{Response: "ok"}, nil
}

func (f *flakyBackend) CheckHealth(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("probe failed")
	}
	return nil
}

func (f *flakyBackend) Shutdown() error { return nil }

func (f *flakyBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func newTestChecker(b backend.Backend, onChange ChangeFunc) *Checker {
	return New(map[string]backend.Backend{"flaky": b}, Options{OnChange: onChange})
}

func TestThreeFailuresMarkUnavailable(t *testing.T) {
	b := &flakyBackend{fail: true}
	c := newTestChecker(b, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c.CheckNow(ctx, "flaky")
	}
	if got := c.Status("flaky"); got != core.ProviderDegraded {
		t.Fatalf("after 2 failures status = %s, want degraded", got)
	}
	if !c.Available("flaky") {
		t.Fatal("degraded provider should stay available")
	}

	c.CheckNow(ctx, "flaky")
	if got := c.Status("flaky"); got != core.ProviderUnavailable {
		t.Fatalf("after 3 failures status = %s, want unavailable", got)
	}
	if c.Available("flaky") {
		t.Fatal("unavailable provider still available")
	}
	snap, _ := c.CheckNow(ctx, "flaky")
	if !snap.AutoDisabled {
		t.Error("provider not auto-disabled")
	}
}

func TestTwoSuccessesRestoreHealthy(t *testing.T) {
	b := &flakyBackend{fail: true}
	c := newTestChecker(b, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.CheckNow(ctx, "flaky")
	}

	b.setFail(false)
	c.CheckNow(ctx, "flaky")
	if got := c.Status("flaky"); got != core.ProviderUnavailable {
		t.Fatalf("after 1 success status = %s, want still unavailable", got)
	}

	c.CheckNow(ctx, "flaky")
	if got := c.Status("flaky"); got != core.ProviderHealthy {
		t.Fatalf("after 2 successes status = %s, want healthy", got)
	}
	if !c.Available("flaky") {
		t.Fatal("recovered provider not available")
	}
}

func TestSingleFlakeDoesNotFlip(t *testing.T) {
	b := &flakyBackend{}
	c := newTestChecker(b, nil)
	ctx := context.Background()

	c.CheckNow(ctx, "flaky")
	if got := c.Status("flaky"); got != core.ProviderHealthy {
		t.Fatalf("status = %s, want healthy", got)
	}

	b.setFail(true)
	c.CheckNow(ctx, "flaky")
	if c.Status("flaky") == core.ProviderUnavailable {
		t.Fatal("one failure marked provider unavailable")
	}
	if !c.Available("flaky") {
		t.Fatal("one failure removed provider from rotation")
	}
}

func TestOnChangeFires(t *testing.T) {
	b := &flakyBackend{}
	var (
		mu      sync.Mutex
		changes []string
	)
	c := newTestChecker(b, func(provider string, from, to core.ProviderStatus) {
		mu.Lock()
		changes = append(changes, string(from)+">"+string(to))
		mu.Unlock()
	})
	ctx := context.Background()

	c.CheckNow(ctx, "flaky") // unknown > healthy
	c.CheckNow(ctx, "flaky") // no change
	b.setFail(true)
	c.CheckNow(ctx, "flaky") // healthy > degraded

	mu.Lock()
	defer mu.Unlock()
	want := []string{"unknown>healthy", "healthy>degraded"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestForceDisableAndEnable(t *testing.T) {
	b := &flakyBackend{}
	c := newTestChecker(b, nil)
	ctx := context.Background()

	c.CheckNow(ctx, "flaky")
	if !c.Available("flaky") {
		t.Fatal("healthy provider not available")
	}

	if !c.ForceDisable("flaky") {
		t.Fatal("ForceDisable failed")
	}
	if c.Available("flaky") {
		t.Fatal("forced-off provider still available")
	}
	// Probes do not override the operator.
	c.CheckNow(ctx, "flaky")
	if c.Available("flaky") {
		t.Fatal("probe re-enabled a forced-off provider")
	}

	if !c.ForceEnable("flaky") {
		t.Fatal("ForceEnable failed")
	}
	if !c.Available("flaky") {
		t.Fatal("force-enabled provider not available")
	}

	if c.ForceDisable("unknown") {
		t.Error("ForceDisable succeeded for unregistered provider")
	}
}

func TestUnknownProviderUnavailable(t *testing.T) {
	c := newTestChecker(&flakyBackend{}, nil)
	if c.Available("nope") {
		t.Error("unregistered provider reported available")
	}
	if got := c.Status("nope"); got != core.ProviderUnknown {
		t.Errorf("status = %s, want unknown", got)
	}
}
