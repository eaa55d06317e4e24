package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRequest(id string) *core.Request {
	now := time.Now().UTC()
	return &core.Request{
		ID:        id,
		Provider:  "openai",
		Message:   "hello",
		Priority:  50,
		Timeout:   30 * time.Second,
		Status:    core.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("req-1")
	req.SetMeta("agent", "builder")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Provider != "openai" || got.Message != "hello" {
		t.Errorf("got provider=%q message=%q", got.Provider, got.Message)
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", got.Timeout)
	}
	if got.MetaString("agent") != "builder" {
		t.Errorf("metadata agent = %q", got.MetaString("agent"))
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("queued request has started_at=%v completed_at=%v", got.StartedAt, got.CompletedAt)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRequest(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRequestStatusStampsTimes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("req-1")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if err := s.UpdateRequestStatus(ctx, "req-1", core.StatusProcessing); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	got, _ := s.GetRequest(ctx, "req-1")
	if got.StartedAt == nil {
		t.Fatal("started_at not stamped on processing")
	}
	started := *got.StartedAt

	if err := s.UpdateRequestStatus(ctx, "req-1", core.StatusRetrying); err != nil {
		t.Fatalf("to retrying: %v", err)
	}
	got, _ = s.GetRequest(ctx, "req-1")
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at changed on retry: %v != %v", got.StartedAt, started)
	}

	if err := s.UpdateRequestStatus(ctx, "req-1", core.StatusCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	got, _ = s.GetRequest(ctx, "req-1")
	if got.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// Terminal rows are frozen.
	if err := s.UpdateRequestStatus(ctx, "req-1", core.StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal transition err = %v, want ErrNotFound", err)
	}
	got, _ = s.GetRequest(ctx, "req-1")
	if got.Status != core.StatusCompleted {
		t.Errorf("status mutated after terminal: %s", got.Status)
	}
}

func TestListRequestsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, p := range []string{"openai", "anthropic", "openai"} {
		req := newTestRequest("req-" + string(rune('a'+i)))
		req.Provider = p
		req.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := s.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
	}

	got, err := s.ListRequests(ctx, RequestFilter{Provider: "openai"})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d requests, want 2", len(got))
	}

	got, err = s.ListRequests(ctx, RequestFilter{Status: core.StatusQueued, Limit: 1})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("limit ignored: got %d", len(got))
	}
}

func TestResponseWrittenOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	resp := &core.Response{
		RequestID: "req-1",
		Status:    core.StatusCompleted,
		Response:  "hi",
		Provider:  "openai",
		LatencyMs: 120,
		Tokens:    42,
		Cached:    false,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveResponse(ctx, resp); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	if err := s.SaveResponse(ctx, resp); err == nil {
		t.Fatal("second SaveResponse succeeded, want primary key violation")
	}

	got, err := s.GetResponse(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if got.Response != "hi" || got.Tokens != 42 {
		t.Errorf("got response=%q tokens=%d", got.Response, got.Tokens)
	}
}

func TestCacheHitBumpsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &CacheEntry{
		Provider:    "openai",
		Fingerprint: "abc",
		Response:    "cached",
		TokensUsed:  10,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	if err := s.CachePut(ctx, e); err != nil {
		t.Fatalf("CachePut: %v", err)
	}

	for i := 1; i <= 3; i++ {
		got, err := s.CacheGet(ctx, "openai", "abc")
		if err != nil {
			t.Fatalf("CacheGet %d: %v", i, err)
		}
		if got.HitCount != int64(i) {
			t.Errorf("hit %d: count = %d", i, got.HitCount)
		}
		if got.LastHitAt == nil {
			t.Errorf("hit %d: last_hit_at not set", i)
		}
	}
}

func TestCacheExpiredIsMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &CacheEntry{
		Provider:    "openai",
		Fingerprint: "old",
		Response:    "stale",
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	}
	if err := s.CachePut(ctx, e); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	if _, err := s.CacheGet(ctx, "openai", "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entry err = %v, want ErrNotFound", err)
	}

	n, err := s.CacheCleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CacheCleanupExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("cleanup removed %d, want 1", n)
	}
}

func TestCacheEnforceMaxEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e := &CacheEntry{
			Provider:    "openai",
			Fingerprint: string(rune('a' + i)),
			Response:    "r",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
			ExpiresAt:   base.Add(time.Hour),
		}
		if err := s.CachePut(ctx, e); err != nil {
			t.Fatalf("CachePut: %v", err)
		}
	}

	removed, err := s.CacheEnforceMaxEntries(ctx, 2)
	if err != nil {
		t.Fatalf("CacheEnforceMaxEntries: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed %d, want 3", removed)
	}

	st, err := s.CacheStatsNow(ctx)
	if err != nil {
		t.Fatalf("CacheStatsNow: %v", err)
	}
	if st.Entries != 2 {
		t.Errorf("entries = %d, want 2", st.Entries)
	}

	// Newest creations survive when nothing was ever hit.
	if _, err := s.CacheGet(ctx, "openai", "e"); err != nil {
		t.Errorf("newest entry evicted: %v", err)
	}
}

func TestProviderStatusUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &ProviderStatusRecord{Provider: "openai", Status: core.ProviderHealthy, LatencyMs: 50}
	if err := s.SaveProviderStatus(ctx, r); err != nil {
		t.Fatalf("SaveProviderStatus: %v", err)
	}
	r.Status = core.ProviderUnavailable
	r.LastError = "connection refused"
	if err := s.SaveProviderStatus(ctx, r); err != nil {
		t.Fatalf("SaveProviderStatus upsert: %v", err)
	}

	got, err := s.GetProviderStatus(ctx, "openai")
	if err != nil {
		t.Fatalf("GetProviderStatus: %v", err)
	}
	if got.Status != core.ProviderUnavailable || got.LastError != "connection refused" {
		t.Errorf("got status=%s error=%q", got.Status, got.LastError)
	}

	all, err := s.ListProviderStatus(ctx)
	if err != nil {
		t.Fatalf("ListProviderStatus: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d rows, want 1", len(all))
	}
}

func TestTokenCostAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	costs := []*TokenCost{
		{Provider: "openai", InputTokens: 100, OutputTokens: 200, CostUSD: 0.01},
		{Provider: "openai", InputTokens: 50, OutputTokens: 50, CostUSD: 0.005},
		{Provider: "anthropic", InputTokens: 30, OutputTokens: 70, CostUSD: 0.02},
	}
	for _, tc := range costs {
		if err := s.RecordTokenCost(ctx, tc); err != nil {
			t.Fatalf("RecordTokenCost: %v", err)
		}
	}

	sum, err := s.CostSummarySince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("CostSummarySince: %v", err)
	}
	if sum.Requests != 3 || sum.InputTokens != 180 || sum.OutputTokens != 320 {
		t.Errorf("summary = %+v", sum)
	}

	byProv, err := s.CostByProviderSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("CostByProviderSince: %v", err)
	}
	if len(byProv) != 2 {
		t.Fatalf("got %d providers, want 2", len(byProv))
	}
	// Highest spend first.
	if byProv[0].Provider != "anthropic" {
		t.Errorf("first provider = %s, want anthropic", byProv[0].Provider)
	}
}

func TestStreamEntriesAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*core.StreamEntry{
		{RequestID: "req-1", Type: core.StreamStart},
		{RequestID: "req-1", Type: core.StreamThinking, Content: "considering options"},
		{RequestID: "req-1", Type: core.StreamChunk, Content: "hel", Index: 0},
		{RequestID: "req-1", Type: core.StreamChunk, Content: "lo", Index: 1},
		{RequestID: "req-1", Type: core.StreamComplete, Success: true},
	}
	if err := s.AppendStreamEntries(ctx, entries); err != nil {
		t.Fatalf("AppendStreamEntries: %v", err)
	}

	got, err := s.GetStreamEntries(ctx, "req-1", StreamEntryFilter{})
	if err != nil {
		t.Fatalf("GetStreamEntries: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d entries, want 5", len(got))
	}
	if got[0].Type != core.StreamStart || got[4].Type != core.StreamComplete {
		t.Errorf("ordering: first=%s last=%s", got[0].Type, got[4].Type)
	}

	chunks, err := s.GetStreamEntries(ctx, "req-1", StreamEntryFilter{Type: core.StreamChunk})
	if err != nil {
		t.Fatalf("GetStreamEntries chunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Content+chunks[1].Content != "hello" {
		t.Errorf("chunks = %+v", chunks)
	}

	hits, err := s.SearchThinking(ctx, "options", 10)
	if err != nil {
		t.Fatalf("SearchThinking: %v", err)
	}
	if len(hits) != 1 || hits[0].RequestID != "req-1" {
		t.Errorf("thinking search hits = %+v", hits)
	}
}

func TestDiscussionSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &core.DiscussionSession{
		ID:        "disc-1",
		Topic:     "rate limiter design",
		Providers: []string{"openai", "anthropic"},
		Status:    core.DiscussionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateDiscussionSession(ctx, sess); err != nil {
		t.Fatalf("CreateDiscussionSession: %v", err)
	}

	if err := s.UpdateDiscussionSession(ctx, "disc-1", 1, core.DiscussionRound1, ""); err != nil {
		t.Fatalf("to round 1: %v", err)
	}
	if err := s.UpdateDiscussionSession(ctx, "disc-1", 3, core.DiscussionCompleted, "final summary"); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, err := s.GetDiscussionSession(ctx, "disc-1")
	if err != nil {
		t.Fatalf("GetDiscussionSession: %v", err)
	}
	if got.Status != core.DiscussionCompleted || got.Summary != "final summary" {
		t.Errorf("got status=%s summary=%q", got.Status, got.Summary)
	}
	if len(got.Providers) != 2 {
		t.Errorf("providers = %v", got.Providers)
	}

	// Terminal sessions are frozen.
	if err := s.UpdateDiscussionSession(ctx, "disc-1", 1, core.DiscussionRound1, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal update err = %v, want ErrNotFound", err)
	}
}

func TestDiscussionMessagesByRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []*core.DiscussionMessage{
		{ID: "m1", SessionID: "disc-1", Round: 1, Provider: "openai", Role: core.RoleProposal, Status: core.MessageCompleted},
		{ID: "m2", SessionID: "disc-1", Round: 1, Provider: "anthropic", Role: core.RoleProposal, Status: core.MessageCompleted},
		{ID: "m3", SessionID: "disc-1", Round: 2, Provider: "openai", Role: core.RoleReview, Status: core.MessageCompleted},
		{ID: "m4", SessionID: "disc-1", Round: 0, Provider: "openai", Role: core.RoleSummary, Status: core.MessageCompleted},
	}
	for _, m := range msgs {
		if err := s.SaveDiscussionMessage(ctx, m); err != nil {
			t.Fatalf("SaveDiscussionMessage: %v", err)
		}
	}

	all, err := s.GetDiscussionMessages(ctx, "disc-1", -1)
	if err != nil {
		t.Fatalf("GetDiscussionMessages: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d messages, want 4", len(all))
	}
	if all[0].Round != 0 {
		t.Errorf("summary row not first: round %d", all[0].Round)
	}

	round1, err := s.GetDiscussionMessages(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("GetDiscussionMessages round 1: %v", err)
	}
	if len(round1) != 2 {
		t.Errorf("round 1 messages = %d, want 2", len(round1))
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &APIKeyRecord{ID: "k1", Name: "ci", KeyHash: "hash1", Enabled: true}
	if err := s.CreateAPIKey(ctx, r); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := s.LookupAPIKeyByHash(ctx, "hash1")
	if err != nil {
		t.Fatalf("LookupAPIKeyByHash: %v", err)
	}
	if got.LastUsed == nil {
		t.Error("last_used not stamped on lookup")
	}

	if err := s.SetAPIKeyEnabled(ctx, "k1", false); err != nil {
		t.Fatalf("SetAPIKeyEnabled: %v", err)
	}
	if _, err := s.LookupAPIKeyByHash(ctx, "hash1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("disabled key lookup err = %v, want ErrNotFound", err)
	}

	if err := s.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if err := s.DeleteAPIKey(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestCleanupRequestsOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestRequest("req-old")
	old.Status = core.StatusCompleted
	done := time.Now().UTC().Add(-48 * time.Hour)
	old.CompletedAt = &done
	if err := s.CreateRequest(ctx, old); err != nil {
		t.Fatalf("CreateRequest old: %v", err)
	}
	if err := s.SaveResponse(ctx, &core.Response{
		RequestID: "req-old", Status: core.StatusCompleted, CreatedAt: done,
	}); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	if err := s.AppendStreamEntries(ctx, []*core.StreamEntry{
		{RequestID: "req-old", Type: core.StreamStart},
	}); err != nil {
		t.Fatalf("AppendStreamEntries: %v", err)
	}

	fresh := newTestRequest("req-fresh")
	if err := s.CreateRequest(ctx, fresh); err != nil {
		t.Fatalf("CreateRequest fresh: %v", err)
	}

	n, err := s.CleanupRequestsOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupRequestsOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d requests, want 1", n)
	}
	if _, err := s.GetRequest(ctx, "req-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old request survived: %v", err)
	}
	if _, err := s.GetResponse(ctx, "req-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old response survived: %v", err)
	}
	if _, err := s.GetRequest(ctx, "req-fresh"); err != nil {
		t.Errorf("fresh request removed: %v", err)
	}
}
