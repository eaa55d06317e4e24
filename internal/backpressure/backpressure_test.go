package backpressure

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyLevels(t *testing.T) {
	tests := []struct {
		depth int
		want  Level
	}{
		{0, LevelLow},
		{100, LevelLow},
		{249, LevelLow},
		{250, LevelMedium},
		{374, LevelMedium},
		{375, LevelHigh},
		{449, LevelHigh},
		{450, LevelCritical},
		{500, LevelCritical},
	}

	c := New(Options{MaxConcurrent: 8, MaxQueueDepth: 500})
	for _, tt := range tests {
		if got := c.Sample(tt.depth); got != tt.want {
			t.Errorf("Sample(%d) = %s, want %s", tt.depth, got, tt.want)
		}
	}
}

func TestConcurrencyScaling(t *testing.T) {
	tests := []struct {
		depth int
		want  int
	}{
		{0, 8},   // low: x1.0
		{250, 7}, // medium: x0.8 -> ceil(6.4)
		{375, 4}, // high: x0.5
		{450, 2}, // critical: x0.25
	}

	c := New(Options{MaxConcurrent: 8, MaxQueueDepth: 500})
	for _, tt := range tests {
		c.Sample(tt.depth)
		if got := c.State().Limit; got != tt.want {
			t.Errorf("limit at depth %d = %d, want %d", tt.depth, got, tt.want)
		}
	}
}

func TestLimitNeverBelowOne(t *testing.T) {
	c := New(Options{MaxConcurrent: 1, MaxQueueDepth: 10})
	c.Sample(10)
	if got := c.State().Limit; got != 1 {
		t.Errorf("limit = %d, want 1", got)
	}
}

func TestAcquireBlocksAtLimit(t *testing.T) {
	c := New(Options{MaxConcurrent: 1, MaxQueueDepth: 100})
	ctx := context.Background()

	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := c.Acquire(timeoutCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire err = %v, want deadline exceeded", err)
	}

	c.Release()
	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestLevelDropUnblocksWaiters(t *testing.T) {
	c := New(Options{MaxConcurrent: 4, MaxQueueDepth: 100})
	ctx := context.Background()

	// Force critical: limit 1.
	c.Sample(95)
	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Acquire(ctx) }()

	select {
	case <-done:
		t.Fatal("Acquire succeeded above limit")
	case <-time.After(20 * time.Millisecond):
	}

	// Back to low load: limit 4, the waiter gets a slot.
	c.Sample(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unblocked Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released after level drop")
	}
}

func TestShouldAccept(t *testing.T) {
	c := New(Options{MaxConcurrent: 8, MaxQueueDepth: 100})

	if ok, reason := c.ShouldAccept(10); !ok || reason != "" {
		t.Errorf("ShouldAccept(10) = %v %q", ok, reason)
	}
	if ok, reason := c.ShouldAccept(95); ok || reason == "" {
		t.Errorf("ShouldAccept(95) = %v %q, want rejection", ok, reason)
	}
	if ok, reason := c.ShouldAccept(100); ok || reason != "queue full" {
		t.Errorf("ShouldAccept(100) = %v %q, want queue full", ok, reason)
	}
}

func TestLowSuccessRateForcesCritical(t *testing.T) {
	c := New(Options{MaxConcurrent: 8, MaxQueueDepth: 100, SuccessWindow: 4})

	for i := 0; i < 4; i++ {
		c.RecordOutcome(false)
	}
	if got := c.Sample(0); got != LevelCritical {
		t.Fatalf("level with empty queue and 0%% success = %s, want critical", got)
	}
	if ok, reason := c.ShouldAccept(0); ok || reason == "" {
		t.Fatalf("ShouldAccept = %v %q, want rejection", ok, reason)
	}

	// Successes refill the window and lift the classification.
	for i := 0; i < 4; i++ {
		c.RecordOutcome(true)
	}
	if got := c.Sample(0); got != LevelLow {
		t.Fatalf("level after recovery = %s, want low", got)
	}
	if ok, _ := c.ShouldAccept(0); !ok {
		t.Fatal("request rejected after recovery")
	}
}

func TestPartialWindowDoesNotThrottle(t *testing.T) {
	c := New(Options{MaxConcurrent: 8, MaxQueueDepth: 100, SuccessWindow: 10})

	c.RecordOutcome(false)
	if got := c.Sample(0); got != LevelLow {
		t.Fatalf("level with one early failure = %s, want low", got)
	}
	if st := c.State(); st.SuccessRate != 1.0 {
		t.Errorf("success rate on partial window = %v, want 1.0", st.SuccessRate)
	}
}

func TestAdmissionCounters(t *testing.T) {
	c := New(Options{MaxConcurrent: 8, MaxQueueDepth: 100})

	c.ShouldAccept(10)
	c.ShouldAccept(10)
	c.ShouldAccept(100)

	st := c.State()
	if st.Accepted != 2 || st.Rejected != 1 {
		t.Errorf("accepted=%d rejected=%d, want 2/1", st.Accepted, st.Rejected)
	}
}
