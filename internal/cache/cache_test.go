package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/store"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	st, err := store.Open(&store.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, opts)
}

func TestFingerprintIsExact(t *testing.T) {
	a := Fingerprint("Hello World")
	if a != Fingerprint("Hello World") {
		t.Error("identical messages produced different fingerprints")
	}
	if a == Fingerprint("hello world") {
		t.Error("case variants shared a fingerprint")
	}
	if a == Fingerprint("  Hello World  ") {
		t.Error("whitespace variants shared a fingerprint")
	}
	if Fingerprint("hello") == Fingerprint("goodbye") {
		t.Error("distinct messages collided")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	m := newTestManager(t, Options{Enabled: true, TTL: time.Hour})
	ctx := context.Background()

	if _, ok := m.Get(ctx, "openai", "question", false); ok {
		t.Fatal("hit on empty cache")
	}

	m.Put(ctx, "openai", "question", "answer", 42)

	hit, ok := m.Get(ctx, "openai", "question", false)
	if !ok {
		t.Fatal("miss after Put")
	}
	if hit.Response != "answer" || hit.TokensUsed != 42 {
		t.Errorf("hit = %+v", hit)
	}
	if hit.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", hit.HitCount)
	}
}

func TestProviderScoping(t *testing.T) {
	m := newTestManager(t, Options{Enabled: true})
	ctx := context.Background()

	m.Put(ctx, "openai", "question", "openai answer", 1)
	if _, ok := m.Get(ctx, "anthropic", "question", false); ok {
		t.Fatal("cross-provider cache hit")
	}
}

func TestBypassSkipsLookup(t *testing.T) {
	m := newTestManager(t, Options{Enabled: true})
	ctx := context.Background()

	m.Put(ctx, "openai", "question", "answer", 1)
	if _, ok := m.Get(ctx, "openai", "question", true); ok {
		t.Fatal("bypass still hit the cache")
	}
	// Bypass must not consume the entry.
	if _, ok := m.Get(ctx, "openai", "question", false); !ok {
		t.Fatal("entry gone after bypassed lookup")
	}
}

func TestDisabledIsInert(t *testing.T) {
	m := newTestManager(t, Options{Enabled: false})
	ctx := context.Background()

	m.Put(ctx, "openai", "question", "answer", 1)
	if _, ok := m.Get(ctx, "openai", "question", false); ok {
		t.Fatal("disabled cache returned a hit")
	}

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Entries != 0 {
		t.Errorf("disabled cache stored %d entries", st.Entries)
	}
}

func TestSweepEnforcesBounds(t *testing.T) {
	m := newTestManager(t, Options{Enabled: true, TTL: time.Hour, MaxEntries: 2})
	ctx := context.Background()

	for _, msg := range []string{"a", "b", "c", "d"} {
		m.Put(ctx, "openai", msg, "r", 1)
	}
	expired, evicted := m.Sweep(ctx)
	if expired != 0 || evicted != 2 {
		t.Errorf("sweep removed %d expired / %d evicted, want 0/2", expired, evicted)
	}

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Entries != 2 {
		t.Errorf("entries after sweep = %d, want 2", st.Entries)
	}
}

func TestClear(t *testing.T) {
	m := newTestManager(t, Options{Enabled: true})
	ctx := context.Background()

	m.Put(ctx, "openai", "a", "r", 1)
	m.Put(ctx, "anthropic", "b", "r", 1)

	n, err := m.Clear(ctx, "openai")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	if _, ok := m.Get(ctx, "anthropic", "b", false); !ok {
		t.Error("unrelated provider entry cleared")
	}
}
