package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

func req(id string, priority int) *core.Request {
	return &core.Request{ID: id, Provider: "openai", Priority: priority}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(0)
	q.Enqueue(req("low", 10))
	q.Enqueue(req("high", 90))
	q.Enqueue(req("mid", 50))

	ctx := context.Background()
	for _, want := range []string{"high", "mid", "low"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.ID != want {
			t.Errorf("dequeued %s, want %s", got.ID, want)
		}
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	q := New(0)
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(req(id, 50))
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, _ := q.Dequeue(ctx)
		if got.ID != want {
			t.Errorf("dequeued %s, want %s", got.ID, want)
		}
	}
}

func TestEnqueueFull(t *testing.T) {
	q := New(2)
	if err := q.Enqueue(req("a", 50)); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if err := q.Enqueue(req("b", 50)); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	if err := q.Enqueue(req("c", 50)); !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(0)
	done := make(chan *core.Request, 1)

	go func() {
		r, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- r
	}()

	select {
	case <-done:
		t.Fatal("Dequeue returned before Enqueue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue(req("a", 50))

	select {
	case r := <-done:
		if r.ID != "a" {
			t.Errorf("got %s, want a", r.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errc <- err
	}()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue ignored cancellation")
	}
}

func TestCancelQueuedOnly(t *testing.T) {
	q := New(0)
	q.Enqueue(req("a", 50))
	q.Enqueue(req("b", 50))

	if !q.Cancel("b") {
		t.Fatal("Cancel of queued request failed")
	}

	got, _ := q.Dequeue(context.Background())
	if got.ID != "a" {
		t.Fatalf("dequeued %s, want a", got.ID)
	}
	// "a" is now in flight.
	if q.Cancel("a") {
		t.Error("Cancel succeeded for in-flight request")
	}
	if q.Cancel("missing") {
		t.Error("Cancel succeeded for unknown request")
	}
}

func TestSnapshotCountsByProvider(t *testing.T) {
	q := New(10)
	a := req("a", 50)
	b := req("b", 50)
	b.Provider = "anthropic"
	q.Enqueue(a)
	q.Enqueue(b)

	got, _ := q.Dequeue(context.Background())
	st := q.Snapshot()
	if st.Depth != 1 || st.InFlight != 1 || st.MaxDepth != 10 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByProvider["anthropic"] != 1 {
		t.Errorf("by_provider = %v", st.ByProvider)
	}

	q.MarkFinished(got.ID)
	if st := q.Snapshot(); st.InFlight != 0 {
		t.Errorf("in_flight after finish = %d", st.InFlight)
	}
}

func TestShutdownDrainsThenCloses(t *testing.T) {
	q := New(0)
	q.Enqueue(req("a", 50))
	q.Shutdown()

	if err := q.Enqueue(req("b", 50)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after shutdown err = %v, want ErrClosed", err)
	}

	ctx := context.Background()
	if r, err := q.Dequeue(ctx); err != nil || r.ID != "a" {
		t.Fatalf("drain after shutdown: r=%v err=%v", r, err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("empty closed dequeue err = %v, want ErrClosed", err)
	}
}
