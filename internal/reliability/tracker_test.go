package reliability

import (
	"math"
	"testing"
)

func TestEMAConverges(t *testing.T) {
	tr := New(0)

	tr.RecordSuccess("openai")
	if got := tr.ScoreOf("openai"); got != 1.0 {
		t.Fatalf("first success score = %v, want 1.0", got)
	}

	tr.RecordFailure("openai", "connection refused")
	// 0.1*0 + 0.9*1.0 = 0.9
	if got := tr.ScoreOf("openai"); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("score after failure = %v, want 0.9", got)
	}

	for i := 0; i < 50; i++ {
		tr.RecordFailure("openai", "connection refused")
	}
	if got := tr.ScoreOf("openai"); got > 0.01 {
		t.Errorf("score after sustained failures = %v, want near 0", got)
	}
}

func TestUnseenProviderScoresFull(t *testing.T) {
	tr := New(0)
	if got := tr.ScoreOf("new"); got != 1.0 {
		t.Errorf("unseen score = %v, want 1.0", got)
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"HTTP 401 Unauthorized", true},
		{"status 403", true},
		{"Invalid API Key provided", true},
		{"authentication required", true},
		{"connection refused", false},
		{"rate limit exceeded", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAuthError(tt.msg); got != tt.want {
			t.Errorf("IsAuthError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestNeedsReauthAfterThreshold(t *testing.T) {
	tr := New(3)

	tr.RecordFailure("openai", "401 unauthorized")
	tr.RecordFailure("openai", "401 unauthorized")
	if tr.NeedsReauth("openai") {
		t.Fatal("flagged before threshold")
	}

	tr.RecordFailure("openai", "401 unauthorized")
	if !tr.NeedsReauth("openai") {
		t.Fatal("not flagged at threshold")
	}

	tr.ResetAuth("openai")
	if tr.NeedsReauth("openai") {
		t.Fatal("still flagged after ResetAuth")
	}
}

func TestSuccessClearsAuthStreak(t *testing.T) {
	tr := New(3)

	tr.RecordFailure("openai", "401")
	tr.RecordFailure("openai", "401")
	tr.RecordSuccess("openai")
	tr.RecordFailure("openai", "401")
	tr.RecordFailure("openai", "401")
	if tr.NeedsReauth("openai") {
		t.Fatal("non-consecutive auth failures triggered reauth")
	}
}

func TestNonAuthFailureClearsAuthStreak(t *testing.T) {
	tr := New(3)

	tr.RecordFailure("openai", "401")
	tr.RecordFailure("openai", "401")
	tr.RecordFailure("openai", "connection refused")
	tr.RecordFailure("openai", "401")
	if tr.NeedsReauth("openai") {
		t.Fatal("interleaved transient failure kept the auth streak")
	}
}

func TestSnapshot(t *testing.T) {
	tr := New(0)
	tr.RecordSuccess("openai")
	tr.RecordFailure("anthropic", "timeout")

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap["openai"].Successes != 1 || snap["anthropic"].Failures != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
