// Package stream maintains the per-request append-only stream log.
//
// Entries are buffered in a channel and flushed to the store in batches by a
// single writer goroutine, so hot chunk traffic never issues one INSERT per
// token. Live subscribers (the SSE handlers) receive entries in-process
// before the batch ever reaches disk.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

const (
	defaultBatchSize     = 10
	defaultFlushInterval = 250 * time.Millisecond
	defaultBufferSize    = 1024
)

// Options configures the Manager.
type Options struct {
	// BatchSize is how many entries accumulate before a flush. Default: 10.
	BatchSize int

	// FlushInterval bounds how long an entry can sit unflushed. Default:
	// 250ms.
	FlushInterval time.Duration

	// BufferSize is the channel capacity between producers and the writer.
	// Default: 1024.
	BufferSize int

	Logger *slog.Logger
}

// Manager owns stream log writes and live fan-out.
type Manager struct {
	store *store.Store
	opts  Options
	log   *slog.Logger

	entries chan *core.StreamEntry

	mu      sync.Mutex
	subs    map[string]map[chan *core.StreamEntry]struct{}
	chunkIx map[string]int
	started map[string]time.Time

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New creates a Manager and starts its writer goroutine.
func New(st *store.Store, opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		store:   st,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "stream")),
		entries: make(chan *core.StreamEntry, opts.BufferSize),
		subs:    make(map[string]map[chan *core.StreamEntry]struct{}),
		chunkIx: make(map[string]int),
		started: make(map[string]time.Time),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

// Start appends the opening entry for a request. Exactly one per request.
func (m *Manager) Start(requestID, provider string) {
	m.mu.Lock()
	if _, ok := m.started[requestID]; ok {
		m.mu.Unlock()
		return
	}
	m.started[requestID] = time.Now()
	m.mu.Unlock()

	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamStart,
		Content:   provider,
	})
}

// Status appends a status transition entry.
func (m *Manager) Status(requestID string, status core.Status) {
	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamStatus,
		Content:   string(status),
	})
}

// Thinking appends a reasoning entry.
func (m *Manager) Thinking(requestID, content string) {
	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamThinking,
		Content:   content,
	})
}

// Chunk appends one response fragment with an incrementing index.
func (m *Manager) Chunk(requestID, content string) {
	m.mu.Lock()
	ix := m.chunkIx[requestID]
	m.chunkIx[requestID] = ix + 1
	m.mu.Unlock()

	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamChunk,
		Content:   content,
		Index:     ix,
	})
}

// Output appends the full response body.
func (m *Manager) Output(requestID, content string) {
	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamOutput,
		Content:   content,
	})
}

// Error appends a failure entry.
func (m *Manager) Error(requestID, message string) {
	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamError,
		Content:   message,
	})
}

// Complete appends the closing entry with success flag and elapsed time, and
// detaches subscribers. Exactly one per request.
func (m *Manager) Complete(requestID string, success bool) {
	m.mu.Lock()
	startAt, started := m.started[requestID]
	delete(m.started, requestID)
	delete(m.chunkIx, requestID)
	m.mu.Unlock()
	if !started {
		return
	}

	m.append(&core.StreamEntry{
		RequestID: requestID,
		Type:      core.StreamComplete,
		Success:   success,
		ElapsedMs: time.Since(startAt).Milliseconds(),
	})
	m.closeSubscribers(requestID)
}

// Subscribe registers a live listener for one request's entries. The
// returned cancel function must be called when the listener is done.
func (m *Manager) Subscribe(requestID string) (<-chan *core.StreamEntry, func()) {
	ch := make(chan *core.StreamEntry, 64)

	m.mu.Lock()
	if m.subs[requestID] == nil {
		m.subs[requestID] = make(map[chan *core.StreamEntry]struct{})
	}
	m.subs[requestID][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if set, ok := m.subs[requestID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(m.subs, requestID)
				}
			}
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// ActiveStream describes one stream that has started but not completed.
type ActiveStream struct {
	RequestID string    `json:"request_id"`
	StartedAt time.Time `json:"started_at"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Chunks    int       `json:"chunks"`
}

// Active lists streams currently between Start and Complete, most recent
// first.
func (m *Manager) Active() []ActiveStream {
	m.mu.Lock()
	out := make([]ActiveStream, 0, len(m.started))
	for id, at := range m.started {
		out = append(out, ActiveStream{
			RequestID: id,
			StartedAt: at,
			ElapsedMs: time.Since(at).Milliseconds(),
			Chunks:    m.chunkIx[id],
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Entries reads back a request's persisted stream log.
func (m *Manager) Entries(ctx context.Context, requestID string, f store.StreamEntryFilter) ([]*core.StreamEntry, error) {
	return m.store.GetStreamEntries(ctx, requestID, f)
}

// SearchThinking finds thinking entries containing the substring.
func (m *Manager) SearchThinking(ctx context.Context, query string, limit int) ([]*core.StreamEntry, error) {
	return m.store.SearchThinking(ctx, query, limit)
}

// SSEFrame renders one entry as a server-sent event data frame. The final
// frame of a stream carries is_final=true.
func SSEFrame(e *core.StreamEntry) []byte {
	payload := struct {
		Type      core.StreamEntryType `json:"type"`
		Content   string               `json:"content,omitempty"`
		Index     int                  `json:"chunk_index"`
		Success   bool                 `json:"success,omitempty"`
		ElapsedMs int64                `json:"elapsed_ms,omitempty"`
		IsFinal   bool                 `json:"is_final"`
		Timestamp time.Time            `json:"timestamp"`
	}{
		Type:      e.Type,
		Content:   e.Content,
		Index:     e.Index,
		Success:   e.Success,
		ElapsedMs: e.ElapsedMs,
		IsFinal:   e.Type == core.StreamComplete,
		Timestamp: e.Timestamp,
	}
	data, _ := json.Marshal(payload)
	return append(append([]byte("data: "), data...), '\n', '\n')
}

// Close flushes buffered entries and stops the writer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	<-m.done
}

func (m *Manager) append(e *core.StreamEntry) {
	e.Timestamp = time.Now().UTC()
	m.fanOut(e)

	select {
	case m.entries <- e:
	default:
		// Shedding beats blocking the request path; the persisted log
		// loses an entry under extreme pressure.
		m.log.Warn("stream buffer full, dropping entry",
			slog.String("request_id", e.RequestID),
			slog.String("type", string(e.Type)),
		)
	}
}

func (m *Manager) fanOut(e *core.StreamEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[e.RequestID] {
		select {
		case ch <- e:
		default:
		}
	}
}

func (m *Manager) closeSubscribers(requestID string) {
	m.mu.Lock()
	set := m.subs[requestID]
	delete(m.subs, requestID)
	m.mu.Unlock()
	for ch := range set {
		close(ch)
	}
}

// writeLoop batches entries and flushes on size, interval, or close.
func (m *Manager) writeLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*core.StreamEntry, 0, m.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.AppendStreamEntries(ctx, batch); err != nil {
			m.log.Error("stream flush failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-m.entries:
			batch = append(batch, e)
			if len(batch) >= m.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.closed:
			for {
				select {
				case e := <-m.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
