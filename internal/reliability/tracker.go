// Package reliability keeps a lightweight per-provider score alongside the
// health checker's probe view.
//
// The score is an exponential moving average of request outcomes, so recent
// behavior dominates without keeping history. Repeated authentication
// failures are tracked separately: once a provider crosses the threshold it
// is flagged for re-authentication and stops counting against the score
// (retrying it cannot help until credentials change).
package reliability

import (
	"strings"
	"sync"
	"time"
)

const (
	// emaAlpha weights the newest outcome at 10%.
	emaAlpha = 0.1

	// defaultAuthThreshold is how many consecutive auth failures flag a
	// provider for re-authentication.
	defaultAuthThreshold = 3
)

// authErrorMarkers are substrings that identify an authentication failure in
// provider error text.
var authErrorMarkers = []string{
	"401",
	"403",
	"invalid api key",
	"unauthorized",
	"authentication",
	"permission denied",
}

// IsAuthError reports whether an error message looks like a credential
// problem.
func IsAuthError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range authErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Tracker scores providers by observed outcomes.
type Tracker struct {
	mu            sync.RWMutex
	providers     map[string]*providerScore
	authThreshold int
}

type providerScore struct {
	score        float64
	samples      int64
	successes    int64
	failures     int64
	authFailures int
	needsReauth  bool
	lastOutcome  time.Time
}

// Score is the externally visible reliability snapshot of one provider.
type Score struct {
	Provider     string    `json:"provider"`
	Score        float64   `json:"score"`
	Samples      int64     `json:"samples"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	AuthFailures int       `json:"auth_failures"`
	NeedsReauth  bool      `json:"needs_reauth"`
	LastOutcome  time.Time `json:"last_outcome,omitempty"`
}

// New creates a tracker. authThreshold <= 0 uses the default of 3.
func New(authThreshold int) *Tracker {
	if authThreshold <= 0 {
		authThreshold = defaultAuthThreshold
	}
	return &Tracker{
		providers:     make(map[string]*providerScore),
		authThreshold: authThreshold,
	}
}

// RecordSuccess folds a successful outcome into the provider's score and
// clears the consecutive auth failure streak.
func (t *Tracker) RecordSuccess(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(provider)
	s.record(true)
	s.authFailures = 0
}

// RecordFailure folds a failed outcome into the provider's score. The error
// message is inspected for auth failure markers; crossing the threshold flags
// the provider for re-authentication.
func (t *Tracker) RecordFailure(provider, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(provider)
	s.record(false)
	if IsAuthError(errMsg) {
		s.authFailures++
		if s.authFailures >= t.authThreshold {
			s.needsReauth = true
		}
	} else {
		s.authFailures = 0
	}
}

func (s *providerScore) record(success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if s.samples == 0 {
		s.score = outcome
	} else {
		s.score = emaAlpha*outcome + (1-emaAlpha)*s.score
	}
	s.samples++
	if success {
		s.successes++
	} else {
		s.failures++
	}
	s.lastOutcome = time.Now().UTC()
}

// NeedsReauth reports whether a provider is flagged for re-authentication.
func (t *Tracker) NeedsReauth(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.providers[provider]
	return ok && s.needsReauth
}

// ResetAuth clears a provider's re-authentication flag after credentials
// were rotated.
func (t *Tracker) ResetAuth(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.providers[provider]; ok {
		s.authFailures = 0
		s.needsReauth = false
	}
}

// ScoreOf returns a provider's current EMA score. Unseen providers score 1.0
// so new providers are not penalized.
func (t *Tracker) ScoreOf(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.providers[provider]
	if !ok || s.samples == 0 {
		return 1.0
	}
	return s.score
}

// Snapshot returns every tracked provider's score.
func (t *Tracker) Snapshot() map[string]Score {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Score, len(t.providers))
	for name, s := range t.providers {
		out[name] = Score{
			Provider:     name,
			Score:        s.score,
			Samples:      s.samples,
			Successes:    s.successes,
			Failures:     s.failures,
			AuthFailures: s.authFailures,
			NeedsReauth:  s.needsReauth,
			LastOutcome:  s.lastOutcome,
		}
	}
	return out
}

func (t *Tracker) get(provider string) *providerScore {
	s, ok := t.providers[provider]
	if !ok {
		s = &providerScore{}
		t.providers[provider] = s
	}
	return s
}
