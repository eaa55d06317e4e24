// Package queue implements the in-memory priority queue feeding the
// lifecycle engine.
//
// Ordering is priority descending, then enqueue time ascending, so equal
// priorities drain FIFO. The queue tracks in-flight requests until the engine
// marks them finished, which keeps depth accounting honest for backpressure.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

var (
	// ErrFull is returned by Enqueue when the queue is at max depth.
	ErrFull = errors.New("queue: full")

	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded priority queue of pending requests.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    requestHeap
	inFlight map[string]*core.Request
	maxDepth int
	seq      uint64
	closed   bool
}

// New creates a queue bounded at maxDepth pending items. maxDepth <= 0 means
// unbounded.
func New(maxDepth int) *Queue {
	q := &Queue{
		inFlight: make(map[string]*core.Request),
		maxDepth: maxDepth,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a request. Fails with ErrFull at max depth so the caller can
// shed load instead of buffering unboundedly.
func (q *Queue) Enqueue(req *core.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.maxDepth > 0 && q.items.Len() >= q.maxDepth {
		return ErrFull
	}

	q.seq++
	heap.Push(&q.items, &queuedItem{req: req, seq: q.seq})
	q.cond.Signal()
	return nil
}

// Dequeue blocks until a request is available, the context is done, or the
// queue is closed. The returned request is tracked as in-flight until
// MarkFinished is called with its id.
func (q *Queue) Dequeue(ctx context.Context) (*core.Request, error) {
	// Wake the cond.Wait below when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*queuedItem)
			q.inFlight[item.req.ID] = item.req
			return item.req, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		q.cond.Wait()
	}
}

// MarkFinished drops a request from in-flight tracking.
func (q *Queue) MarkFinished(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

// Cancel removes a still-queued request. Returns false if the request is
// already in flight or unknown.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.req.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Depth      int            `json:"depth"`
	InFlight   int            `json:"in_flight"`
	MaxDepth   int            `json:"max_depth"`
	ByProvider map[string]int `json:"by_provider"`
}

// Snapshot returns current queue statistics.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byProvider := make(map[string]int)
	for _, item := range q.items {
		byProvider[item.req.Provider]++
	}
	return Stats{
		Depth:      q.items.Len(),
		InFlight:   len(q.inFlight),
		MaxDepth:   q.maxDepth,
		ByProvider: byProvider,
	}
}

// Depth returns the number of pending requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Shutdown closes the queue. Pending items remain drainable; blocked Dequeue
// calls return ErrClosed once the queue is empty.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

type queuedItem struct {
	req *core.Request
	seq uint64
}

type requestHeap []*queuedItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*queuedItem)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
