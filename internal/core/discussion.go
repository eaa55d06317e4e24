package core

import "time"

// DiscussionStatus is the state machine of a multi-round session.
//
// Pending → Round1 → Round2 → Round3 → Summarizing → Completed, with Failed
// and Cancelled reachable from any non-terminal state.
type DiscussionStatus string

const (
	DiscussionPending     DiscussionStatus = "pending"
	DiscussionRound1      DiscussionStatus = "round_1"
	DiscussionRound2      DiscussionStatus = "round_2"
	DiscussionRound3      DiscussionStatus = "round_3"
	DiscussionSummarizing DiscussionStatus = "summarizing"
	DiscussionCompleted   DiscussionStatus = "completed"
	DiscussionFailed      DiscussionStatus = "failed"
	DiscussionCancelled   DiscussionStatus = "cancelled"
)

// Terminal reports whether s is final.
func (s DiscussionStatus) Terminal() bool {
	switch s {
	case DiscussionCompleted, DiscussionFailed, DiscussionCancelled:
		return true
	}
	return false
}

// MessageRole is the role of one discussion message within a round.
type MessageRole string

const (
	RoleProposal MessageRole = "proposal"
	RoleReview   MessageRole = "review"
	RoleRevision MessageRole = "revision"
	RoleSummary  MessageRole = "summary"
)

// RoleForRound maps a round number (1..3) to its message role.
func RoleForRound(round int) MessageRole {
	switch round {
	case 1:
		return RoleProposal
	case 2:
		return RoleReview
	default:
		return RoleRevision
	}
}

// MessageStatus is the per-message completion state.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
	MessageTimeout   MessageStatus = "timeout"
)

// DiscussionConfig carries per-session tuning knobs.
type DiscussionConfig struct {
	RoundTimeout    time.Duration `json:"-"`
	ProviderTimeout time.Duration `json:"-"`
	SummaryProvider string        `json:"summary_provider,omitempty"`
}

// DiscussionSession is one multi-round cross-provider dialog.
type DiscussionSession struct {
	ID              string           `json:"id"`
	Topic           string           `json:"topic"`
	Providers       []string         `json:"providers"`
	CurrentRound    int              `json:"current_round"`
	Status          DiscussionStatus `json:"status"`
	ParentSessionID string           `json:"parent_session_id,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	Config          DiscussionConfig `json:"config"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// DiscussionMessage is one provider's contribution to one round.
// Round 0 is reserved for the final summary message.
type DiscussionMessage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Round      int           `json:"round"`
	Provider   string        `json:"provider"`
	Role       MessageRole   `json:"role"`
	Content    string        `json:"content,omitempty"`
	Status     MessageStatus `json:"status"`
	LatencyMs  int64         `json:"latency_ms,omitempty"`
	References []string      `json:"references,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// DiscussionTemplate is a reusable named topic scaffold.
type DiscussionTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic"`
	Providers   []string  `json:"providers,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// InjectionRecord is the optional per-request audit of injected context.
type InjectionRecord struct {
	RequestID       string    `json:"request_id"`
	MemoryIDs       []string  `json:"memory_ids,omitempty"`
	RelevanceScores []float64 `json:"relevance_scores,omitempty"`
	OriginalMessage string    `json:"original_message"`
	EnhancedMessage string    `json:"enhanced_message"`
	CreatedAt       time.Time `json:"created_at"`
}

// Discussion event names broadcast on the WebSocket bus.
const (
	EventDiscussionStarted   = "discussion_started"
	EventDiscussionRound     = "discussion_round"
	EventDiscussionMessage   = "discussion_message"
	EventDiscussionCompleted = "discussion_completed"
	EventDiscussionFailed    = "discussion_failed"
	EventDiscussionCancelled = "discussion_cancelled"
)
