package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, opts Options) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts)
}

func TestClientLimitEnforced(t *testing.T) {
	l := newTestLimiter(t, Options{ClientRPM: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.AllowClient(ctx, "key-1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.AllowClient(ctx, "key-1")
	if err != nil {
		t.Fatalf("AllowClient: %v", err)
	}
	if ok {
		t.Fatal("fourth request allowed over a limit of 3")
	}
}

func TestBurstExtendsClientWindow(t *testing.T) {
	l := newTestLimiter(t, Options{ClientRPM: 2, Burst: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, err := l.AllowClient(ctx, "key-1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.AllowClient(ctx, "key-1"); ok {
		t.Fatal("fifth request allowed over rpm 2 + burst 2")
	}
}

func TestClientsIsolated(t *testing.T) {
	l := newTestLimiter(t, Options{ClientRPM: 1})
	ctx := context.Background()

	if ok, _ := l.AllowClient(ctx, "a"); !ok {
		t.Fatal("first client blocked")
	}
	if ok, _ := l.AllowClient(ctx, "b"); !ok {
		t.Fatal("second client throttled by first client's window")
	}
	if ok, _ := l.AllowClient(ctx, "a"); ok {
		t.Fatal("first client not throttled on second request")
	}
}

func TestProviderLimits(t *testing.T) {
	l := newTestLimiter(t, Options{ProviderRPM: map[string]int{"openai": 2}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.AllowProvider(ctx, "openai"); !ok {
			t.Fatalf("request %d blocked under limit", i)
		}
	}
	if ok, _ := l.AllowProvider(ctx, "openai"); ok {
		t.Fatal("over-limit provider request allowed")
	}
	// Providers without a configured limit are unlimited.
	for i := 0; i < 10; i++ {
		if ok, _ := l.AllowProvider(ctx, "anthropic"); !ok {
			t.Fatal("unlimited provider throttled")
		}
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := newTestLimiter(t, Options{})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if ok, _ := l.AllowClient(ctx, "a"); !ok {
			t.Fatal("disabled client limit throttled")
		}
	}
}

func TestNilRedisDegradesOpen(t *testing.T) {
	l := New(nil, Options{ClientRPM: 1, ProviderRPM: map[string]int{"openai": 1}})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if ok, _ := l.AllowClient(ctx, "a"); !ok {
			t.Fatal("nil redis blocked a client request")
		}
		if ok, _ := l.AllowProvider(ctx, "openai"); !ok {
			t.Fatal("nil redis blocked a provider request")
		}
	}
}

func TestUnreachableRedisDegradesOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	l := New(rdb, Options{ClientRPM: 1})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.AllowClient(ctx, "a")
		if err != nil || !ok {
			t.Fatalf("degradation failed: ok=%v err=%v", ok, err)
		}
	}
}
