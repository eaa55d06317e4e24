package discussion

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/backend/mock"
	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(&store.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForStatus(t *testing.T, s *store.Store, id string, want core.DiscussionStatus) *core.DiscussionSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := s.GetDiscussionSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetDiscussionSession: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		if sess.Status.Terminal() && sess.Status != want {
			t.Fatalf("session reached %s, want %s", sess.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached %s", want)
	return nil
}

func TestFullSessionProducesThreeRoundsAndSummary(t *testing.T) {
	s := newTestStore(t)
	backends := map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha", Response: "alpha says yes"}),
		"beta":  mock.New(mock.Config{Name: "beta", Response: "beta says no"}),
	}

	var (
		mu     sync.Mutex
		events []string
	)
	o := New(s, backends, Options{
		Broadcast: func(eventType string, _ any) {
			mu.Lock()
			events = append(events, eventType)
			mu.Unlock()
		},
	})

	sess, err := o.Start(context.Background(), "pick a database", []string{"alpha", "beta"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	final := waitForStatus(t, s, sess.ID, core.DiscussionCompleted)
	if final.Summary == "" {
		t.Error("completed session has no summary")
	}

	for round := 1; round <= 3; round++ {
		msgs, err := s.GetDiscussionMessages(context.Background(), sess.ID, round)
		if err != nil {
			t.Fatalf("GetDiscussionMessages round %d: %v", round, err)
		}
		if len(msgs) != 2 {
			t.Errorf("round %d has %d messages, want 2", round, len(msgs))
		}
		for _, m := range msgs {
			if m.Role != core.RoleForRound(round) {
				t.Errorf("round %d message role = %s", round, m.Role)
			}
		}
	}

	summaries, err := s.GetDiscussionMessages(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("GetDiscussionMessages round 0: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Role != core.RoleSummary {
		t.Fatalf("summary messages = %+v", summaries)
	}
	if summaries[0].Provider != "alpha" {
		t.Errorf("summary provider = %s, want first participant", summaries[0].Provider)
	}

	mu.Lock()
	defer mu.Unlock()
	var gotCompleted bool
	for _, e := range events {
		if e == core.EventDiscussionCompleted {
			gotCompleted = true
		}
	}
	if !gotCompleted {
		t.Errorf("events %v missing %s", events, core.EventDiscussionCompleted)
	}
}

func TestStartRejectsTooFewProviders(t *testing.T) {
	s := newTestStore(t)
	o := New(s, map[string]backend.Backend{"alpha": mock.New(mock.Config{})}, Options{})

	if _, err := o.Start(context.Background(), "topic", []string{"alpha"}, core.DiscussionConfig{}); err == nil {
		t.Error("single provider accepted")
	}
	if _, err := o.Start(context.Background(), "topic", []string{"alpha", "ghost"}, core.DiscussionConfig{}); err == nil {
		t.Error("unknown provider accepted")
	}
	if _, err := o.Start(context.Background(), "  ", []string{"alpha", "alpha"}, core.DiscussionConfig{}); err == nil {
		t.Error("blank topic accepted")
	}
}

func TestRoundOneBelowFloorFailsSession(t *testing.T) {
	s := newTestStore(t)
	backends := map[string]backend.Backend{
		// FailFirst large enough that every round-1 call fails.
		"alpha": mock.New(mock.Config{Name: "alpha", FailFirst: 100}),
		"beta":  mock.New(mock.Config{Name: "beta", FailFirst: 100}),
	}
	o := New(s, backends, Options{})

	sess, err := o.Start(context.Background(), "doomed topic", []string{"alpha", "beta"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	waitForStatus(t, s, sess.ID, core.DiscussionFailed)

	msgs, err := s.GetDiscussionMessages(context.Background(), sess.ID, 1)
	if err != nil {
		t.Fatalf("GetDiscussionMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("round 1 recorded %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Status != core.MessageFailed {
			t.Errorf("message status = %s, want failed", m.Status)
		}
	}
}

// failAfter succeeds on the first n Execute calls and fails afterwards, the
// inverse of mock.Config.FailFirst.
type failAfter struct {
	name  string
	n     int
	calls atomic.Int64
}

func (b *failAfter) Name() string { return b.name }

func (b *failAfter) Execute(_ context.Context, req *core.Request) (*backend.Result, error) {
	if int(b.calls.Add(1)) > b.n {
		return nil, &backend.Error{Provider: b.name, StatusCode: 503, Message: "provider down"}
	}
	return &backend.Result{Response: "echo: " + req.Message, Model: "mock-1"}, nil
}

func (b *failAfter) CheckHealth(context.Context) error { return nil }
func (b *failAfter) Shutdown() error                   { return nil }

func TestLaterRoundWithNoAnswersFailsSession(t *testing.T) {
	s := newTestStore(t)
	// Both providers answer round 1, then go dark.
	backends := map[string]backend.Backend{
		"alpha": &failAfter{name: "alpha", n: 1},
		"beta":  &failAfter{name: "beta", n: 1},
	}
	o := New(s, backends, Options{})

	sess, err := o.Start(context.Background(), "short-lived topic", []string{"alpha", "beta"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	waitForStatus(t, s, sess.ID, core.DiscussionFailed)

	msgs, err := s.GetDiscussionMessages(context.Background(), sess.ID, 1)
	if err != nil {
		t.Fatalf("GetDiscussionMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("round 1 recorded %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Status != core.MessageCompleted {
			t.Errorf("round 1 message status = %s, want completed", m.Status)
		}
	}
}

func TestPartialFailureDoesNotAbort(t *testing.T) {
	s := newTestStore(t)
	backends := map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha"}),
		"beta":  mock.New(mock.Config{Name: "beta"}),
		// Fails every call; the session should still complete on the
		// other two.
		"gamma": mock.New(mock.Config{Name: "gamma", FailFirst: 1000}),
	}
	o := New(s, backends, Options{})

	sess, err := o.Start(context.Background(), "resilient topic",
		[]string{"alpha", "beta", "gamma"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	waitForStatus(t, s, sess.ID, core.DiscussionCompleted)

	msgs, err := s.GetDiscussionMessages(context.Background(), sess.ID, 1)
	if err != nil {
		t.Fatalf("GetDiscussionMessages: %v", err)
	}
	var failed int
	for _, m := range msgs {
		if m.Status == core.MessageFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("round 1 failures = %d, want 1", failed)
	}
}

func TestCancelStopsBetweenRounds(t *testing.T) {
	s := newTestStore(t)
	backends := map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha", Delay: 200 * time.Millisecond}),
		"beta":  mock.New(mock.Config{Name: "beta", Delay: 200 * time.Millisecond}),
	}
	o := New(s, backends, Options{})

	sess, err := o.Start(context.Background(), "slow topic", []string{"alpha", "beta"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := o.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	o.Wait()

	got, err := s.GetDiscussionSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetDiscussionSession: %v", err)
	}
	if got.Status != core.DiscussionCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	if err := o.Cancel(context.Background(), sess.ID); err == nil {
		t.Error("cancelling a finished session succeeded")
	}
}

func TestContinuationLinksParentAndCondensesContext(t *testing.T) {
	s := newTestStore(t)
	backends := map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha", Response: "final answer A"}),
		"beta":  mock.New(mock.Config{Name: "beta", Response: "final answer B"}),
	}
	o := New(s, backends, Options{})

	parent, err := o.Start(context.Background(), "phase one", []string{"alpha", "beta"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()
	waitForStatus(t, s, parent.ID, core.DiscussionCompleted)

	child, err := o.ContinueSession(context.Background(), parent.ID, "phase two", nil, "budget doubled")
	if err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}
	o.Wait()

	got := waitForStatus(t, s, child.ID, core.DiscussionCompleted)
	if got.ParentSessionID != parent.ID {
		t.Errorf("parent_session_id = %q, want %q", got.ParentSessionID, parent.ID)
	}
	for _, want := range []string{"phase two", "phase one", "final answer A", "budget doubled"} {
		if !strings.Contains(got.Topic, want) {
			t.Errorf("child topic missing %q", want)
		}
	}

	running, err := o.ContinueSession(context.Background(), "no-such-session", "x", nil, "")
	if err == nil {
		t.Errorf("continuing unknown session returned %+v", running)
	}
}

func TestExportFormats(t *testing.T) {
	s := newTestStore(t)
	backends := map[string]backend.Backend{
		"alpha": mock.New(mock.Config{Name: "alpha", Response: "pick postgres"}),
		"beta":  mock.New(mock.Config{Name: "beta", Response: "pick sqlite"}),
	}
	o := New(s, backends, Options{})

	sess, err := o.Start(context.Background(), "storage choice", []string{"alpha", "beta"}, core.DiscussionConfig{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()
	waitForStatus(t, s, sess.ID, core.DiscussionCompleted)

	for _, tc := range []struct {
		format      string
		contentType string
		needle      string
	}{
		{"json", "application/json", `"storage choice"`},
		{"markdown", "text/markdown; charset=utf-8", "# Discussion: storage choice"},
		{"html", "text/html; charset=utf-8", "<h1>storage choice</h1>"},
	} {
		data, ct, err := o.Export(context.Background(), sess.ID, tc.format)
		if err != nil {
			t.Fatalf("Export %s: %v", tc.format, err)
		}
		if ct != tc.contentType {
			t.Errorf("%s content type = %s", tc.format, ct)
		}
		if !strings.Contains(string(data), tc.needle) {
			t.Errorf("%s export missing %q", tc.format, tc.needle)
		}
	}

	if _, _, err := o.Export(context.Background(), sess.ID, "pdf"); err == nil {
		t.Error("unsupported format accepted")
	}
}
