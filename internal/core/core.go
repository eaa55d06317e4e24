// Package core defines the entities shared by every gateway subsystem:
// requests, responses, stream entries, discussion sessions, and the status
// machines they move through.
//
// The StateStore owns the persisted form of these records; all other
// components pass them by value or via pointers they do not retain.
package core

import (
	"time"
)

// Status is the lifecycle state of a gateway request.
//
// Statuses advance monotonically: Queued → Processing → (Retrying | Fallback)*
// → one of the terminal states. Terminal states are immutable.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusFallback   Status = "fallback"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// statusRank orders statuses for monotonicity checks. Retrying and Fallback
// share a rank because a request may alternate between them.
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusRetrying:   2,
	StatusFallback:   2,
	StatusCompleted:  3,
	StatusFailed:     3,
	StatusCancelled:  3,
	StatusTimeout:    3,
}

// CanAdvance reports whether a transition from s to next is a valid forward
// step in the request state machine. Terminal states accept no transitions.
func (s Status) CanAdvance(next Status) bool {
	if s.Terminal() {
		return false
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if from == to {
		// Retrying ↔ Fallback is the only legal same-rank move.
		return from == 2
	}
	return to > from
}

// Request is one unit of inference work flowing through the gateway.
//
// Provider holds a provider name, a group token starting with "@", or the
// empty string for auto-routing. Metadata is a forward-compatible bag; fields
// the engine itself reads are explicit struct members.
type Request struct {
	ID          string         `json:"id"`
	Provider    string         `json:"provider"`
	Message     string         `json:"message"`
	Priority    int            `json:"priority"`
	Timeout     time.Duration  `json:"-"`
	Status      Status         `json:"status"`
	BackendType string         `json:"backend_type,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TimeoutSeconds returns the request timeout in whole seconds for wire and
// storage use.
func (r *Request) TimeoutSeconds() float64 {
	return r.Timeout.Seconds()
}

// Meta returns the metadata value under key, or nil.
func (r *Request) Meta(key string) any {
	if r.Metadata == nil {
		return nil
	}
	return r.Metadata[key]
}

// MetaBool returns a boolean metadata flag, false when absent or mistyped.
func (r *Request) MetaBool(key string) bool {
	v, _ := r.Meta(key).(bool)
	return v
}

// MetaString returns a string metadata field, "" when absent or mistyped.
func (r *Request) MetaString(key string) string {
	v, _ := r.Meta(key).(string)
	return v
}

// SetMeta stores a metadata value, allocating the bag on first use.
func (r *Request) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// Well-known metadata keys read by the engine.
const (
	MetaOriginalMessage     = "original_message"
	MetaParallel            = "parallel"
	MetaAggregationStrategy = "aggregation_strategy"
	MetaCacheBypass         = "cache_bypass"
	MetaHealthCheck         = "health_check"
	MetaAgent               = "agent"
	MetaMemoryInjected      = "_memory_injected"
	MetaMemoryCount         = "_memory_count"
	MetaRecommendation      = "_recommendation"
)

// Response is the terminal outcome of a request. Created exactly once, at the
// terminal transition, and never updated afterwards.
type Response struct {
	RequestID string         `json:"request_id"`
	Status    Status         `json:"status"`
	Response  string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	Provider  string         `json:"provider"`
	LatencyMs int64          `json:"latency_ms"`
	Tokens    int            `json:"tokens_used,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	RawOutput string         `json:"raw_output,omitempty"`
	Cached    bool           `json:"cached"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RetryAttempt records one provider attempt inside a retry/fallback chain.
type RetryAttempt struct {
	Provider       string `json:"provider"`
	Classification string `json:"classification"`
	ElapsedMs      int64  `json:"elapsed_ms"`
	Error          string `json:"error,omitempty"`
}

// RetrySummary is attached to Response metadata so callers can see which
// providers were tried and why.
type RetrySummary struct {
	Attempts        int            `json:"attempts"`
	Classifications []string       `json:"classifications"`
	Providers       []string       `json:"providers"`
	PerAttempt      []RetryAttempt `json:"per_attempt,omitempty"`
}

// StreamEntryType enumerates the append-only stream log row kinds.
type StreamEntryType string

const (
	StreamStart    StreamEntryType = "start"
	StreamStatus   StreamEntryType = "status"
	StreamThinking StreamEntryType = "thinking"
	StreamChunk    StreamEntryType = "chunk"
	StreamOutput   StreamEntryType = "output"
	StreamError    StreamEntryType = "error"
	StreamComplete StreamEntryType = "complete"
)

// StreamEntry is one row in a request's append-only stream log.
type StreamEntry struct {
	ID        int64           `json:"id,omitempty"`
	RequestID string          `json:"request_id"`
	Type      StreamEntryType `json:"type"`
	Content   string          `json:"content,omitempty"`
	Index     int             `json:"chunk_index"`
	Success   bool            `json:"success,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProviderStatus is the health classification of one provider.
type ProviderStatus string

const (
	ProviderHealthy     ProviderStatus = "healthy"
	ProviderDegraded    ProviderStatus = "degraded"
	ProviderUnavailable ProviderStatus = "unavailable"
	ProviderUnknown     ProviderStatus = "unknown"
)

// Event type names broadcast on the WebSocket bus.
const (
	EventRequestSubmitted  = "request_submitted"
	EventRequestProcessing = "request_processing"
	EventRequestCompleted  = "request_completed"
	EventRequestFailed     = "request_failed"
	EventRequestCancelled  = "request_cancelled"
	EventRequestRetrying   = "request_retrying"
	EventRequestFallback   = "request_fallback"
	EventProviderStatus    = "provider_status"
	EventStreamChunk       = "stream_chunk"
)
