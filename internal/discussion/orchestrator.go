// Package discussion orchestrates multi-round cross-provider dialogs.
//
// A session runs three fixed rounds: every participant proposes, then
// reviews the other proposals, then revises its own. A summary provider
// synthesizes the transcript afterwards. Rounds fan out in parallel; partial
// failures are recorded, but every round needs at least one successful
// answer and round 1 must additionally meet the participant quorum.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

const (
	rounds = 3

	defaultMinProviders    = 2
	defaultRoundTimeout    = 3 * time.Minute
	defaultProviderTimeout = 90 * time.Second

	// continuationTimeout is the shorter round budget for follow-up
	// sessions, which start from a condensed context.
	continuationTimeout = 2 * time.Minute
)

// BroadcastFunc publishes discussion events to the WebSocket bus.
type BroadcastFunc func(eventType string, data any)

// Options configures the Orchestrator.
type Options struct {
	MinProviders    int
	RoundTimeout    time.Duration
	ProviderTimeout time.Duration
	Broadcast       BroadcastFunc
	Logger          *slog.Logger
}

// Orchestrator runs discussion sessions.
type Orchestrator struct {
	store    *store.Store
	backends map[string]backend.Backend
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(st *store.Store, backends map[string]backend.Backend, opts Options) *Orchestrator {
	if opts.MinProviders <= 0 {
		opts.MinProviders = defaultMinProviders
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = defaultRoundTimeout
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		backends: backends,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "discussion")),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start validates participants and launches a session asynchronously.
func (o *Orchestrator) Start(ctx context.Context, topic string, providers []string, cfg core.DiscussionConfig) (*core.DiscussionSession, error) {
	return o.start(ctx, topic, providers, cfg, "")
}

func (o *Orchestrator) start(ctx context.Context, topic string, providers []string, cfg core.DiscussionConfig, parentID string) (*core.DiscussionSession, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("discussion: topic required")
	}
	if len(providers) < o.opts.MinProviders {
		return nil, fmt.Errorf("discussion: need at least %d providers, got %d",
			o.opts.MinProviders, len(providers))
	}
	for _, p := range providers {
		if _, ok := o.backends[p]; !ok {
			return nil, fmt.Errorf("discussion: unknown provider %s", p)
		}
	}
	if cfg.SummaryProvider == "" {
		cfg.SummaryProvider = providers[0]
	} else if _, ok := o.backends[cfg.SummaryProvider]; !ok {
		return nil, fmt.Errorf("discussion: unknown summary provider %s", cfg.SummaryProvider)
	}

	now := time.Now().UTC()
	sess := &core.DiscussionSession{
		ID:              uuid.NewString(),
		Topic:           topic,
		Providers:       providers,
		Status:          core.DiscussionPending,
		ParentSessionID: parentID,
		Config:          cfg,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateDiscussionSession(ctx, sess); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[sess.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, sess.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(runCtx, sess)
	}()

	o.broadcast(core.EventDiscussionStarted, sess)
	return sess, nil
}

// ContinueSession starts a follow-up session condensed from a completed
// parent, linked via parent_session_id.
func (o *Orchestrator) ContinueSession(ctx context.Context, parentID, topic string, providers []string, extraContext string) (*core.DiscussionSession, error) {
	parent, err := o.store.GetDiscussionSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != core.DiscussionCompleted {
		return nil, fmt.Errorf("discussion: parent session %s is %s, not completed",
			parentID, parent.Status)
	}

	if len(providers) == 0 {
		providers = parent.Providers
	}

	condensed, err := o.condensedContext(ctx, parent, extraContext)
	if err != nil {
		return nil, err
	}

	fullTopic := topic + "\n\nPrior discussion context:\n" + condensed
	cfg := core.DiscussionConfig{
		RoundTimeout:    continuationTimeout,
		SummaryProvider: parent.Config.SummaryProvider,
	}
	return o.start(ctx, fullTopic, providers, cfg, parentID)
}

// Cancel stops a running session between rounds.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	cancel, running := o.cancels[sessionID]
	o.mu.Unlock()
	if !running {
		return fmt.Errorf("discussion: session %s is not running", sessionID)
	}
	cancel()

	sess, err := o.store.GetDiscussionSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateDiscussionSession(ctx, sessionID, sess.CurrentRound,
		core.DiscussionCancelled, ""); err != nil {
		return err
	}
	o.broadcast(core.EventDiscussionCancelled, map[string]any{"session_id": sessionID})
	return nil
}

// Wait blocks until every running session finishes. Used at shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) run(ctx context.Context, sess *core.DiscussionSession) {
	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			return
		}

		status := core.DiscussionStatus(fmt.Sprintf("round_%d", round))
		if err := o.store.UpdateDiscussionSession(ctx, sess.ID, round, status, ""); err != nil {
			// Cancelled sessions are terminal in the store; stop quietly.
			return
		}
		o.broadcast(core.EventDiscussionRound, map[string]any{
			"session_id": sess.ID,
			"round":      round,
		})

		succeeded, err := o.runRound(ctx, sess, round)
		if ctx.Err() != nil {
			// Cancel already recorded the terminal state.
			return
		}
		if err != nil {
			o.fail(sess, round, err)
			return
		}
		if succeeded == 0 {
			o.fail(sess, round, fmt.Errorf("no provider answered round %d", round))
			return
		}
		if round == 1 && succeeded < o.opts.MinProviders {
			o.fail(sess, round, fmt.Errorf("only %d of %d providers answered round 1",
				succeeded, len(sess.Providers)))
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := o.store.UpdateDiscussionSession(ctx, sess.ID, rounds, core.DiscussionSummarizing, ""); err != nil {
		return
	}

	summary, err := o.summarize(ctx, sess)
	if err != nil {
		o.fail(sess, rounds, fmt.Errorf("summary: %w", err))
		return
	}

	if err := o.store.UpdateDiscussionSession(context.Background(), sess.ID, rounds,
		core.DiscussionCompleted, summary); err != nil {
		o.log.Error("complete session failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	o.broadcast(core.EventDiscussionCompleted, map[string]any{
		"session_id": sess.ID,
		"summary":    summary,
	})
	o.log.Info("discussion completed", slog.String("session_id", sess.ID))
}

// runRound fans the round prompt out to every participant and records every
// outcome. Returns how many participants succeeded.
func (o *Orchestrator) runRound(ctx context.Context, sess *core.DiscussionSession, round int) (int, error) {
	transcript, err := o.store.GetDiscussionMessages(ctx, sess.ID, -1)
	if err != nil {
		return 0, err
	}

	roundTimeout := sess.Config.RoundTimeout
	if roundTimeout <= 0 {
		roundTimeout = o.opts.RoundTimeout
	}
	roundCtx, cancel := context.WithTimeout(ctx, roundTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		succeeded int
	)
	g, gctx := errgroup.WithContext(roundCtx)
	for _, provider := range sess.Providers {
		g.Go(func() error {
			msg := o.execute(gctx, sess, round, provider,
				roundPrompt(sess.Topic, round, provider, transcript))

			mu.Lock()
			if msg.Status == core.MessageCompleted {
				succeeded++
			}
			mu.Unlock()

			if err := o.store.SaveDiscussionMessage(context.Background(), msg); err != nil {
				return err
			}
			o.broadcast(core.EventDiscussionMessage, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return succeeded, err
	}
	return succeeded, ctx.Err()
}

// execute runs one provider prompt and always returns a message, recording
// failure or timeout in its status.
func (o *Orchestrator) execute(ctx context.Context, sess *core.DiscussionSession, round int, provider, prompt string) *core.DiscussionMessage {
	msg := &core.DiscussionMessage{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Round:     round,
		Provider:  provider,
		Role:      core.RoleForRound(round),
		Status:    core.MessagePending,
		CreatedAt: time.Now().UTC(),
	}

	providerTimeout := sess.Config.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = o.opts.ProviderTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.backends[provider].Execute(execCtx, &core.Request{
		ID:       msg.ID,
		Provider: provider,
		Message:  prompt,
	})
	msg.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		msg.Status = core.MessageCompleted
		msg.Content = result.Response
	case errors.Is(err, context.DeadlineExceeded):
		msg.Status = core.MessageTimeout
		msg.Content = "provider timed out"
	default:
		msg.Status = core.MessageFailed
		msg.Content = err.Error()
		o.log.Warn("discussion message failed",
			slog.String("session_id", sess.ID),
			slog.Int("round", round),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
	}
	return msg
}

// summarize asks the summary provider for a synthesis of the transcript and
// stores it as a round-0 message.
func (o *Orchestrator) summarize(ctx context.Context, sess *core.DiscussionSession) (string, error) {
	transcript, err := o.store.GetDiscussionMessages(ctx, sess.ID, -1)
	if err != nil {
		return "", err
	}

	msg := o.execute(ctx, sess, 0, sess.Config.SummaryProvider,
		summaryPrompt(sess.Topic, transcript))
	msg.Role = core.RoleSummary

	if err := o.store.SaveDiscussionMessage(context.Background(), msg); err != nil {
		return "", err
	}
	o.broadcast(core.EventDiscussionMessage, msg)

	if msg.Status != core.MessageCompleted {
		return "", errors.New(msg.Content)
	}
	return msg.Content, nil
}

// condensedContext builds a compact carry-over: topic, summary, and up to
// three round-3 revisions.
func (o *Orchestrator) condensedContext(ctx context.Context, parent *core.DiscussionSession, extra string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Topic: " + parent.Topic + "\n")
	sb.WriteString("Summary: " + parent.Summary + "\n")

	revisions, err := o.store.GetDiscussionMessages(ctx, parent.ID, rounds)
	if err != nil {
		return "", err
	}
	count := 0
	for _, m := range revisions {
		if m.Status != core.MessageCompleted {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s's final position: %s\n", m.Provider, m.Content))
		count++
		if count == 3 {
			break
		}
	}
	if extra != "" {
		sb.WriteString("Additional context: " + extra + "\n")
	}
	return sb.String(), nil
}

func (o *Orchestrator) fail(sess *core.DiscussionSession, round int, cause error) {
	o.log.Error("discussion failed",
		slog.String("session_id", sess.ID),
		slog.Int("round", round),
		slog.String("error", cause.Error()),
	)
	if err := o.store.UpdateDiscussionSession(context.Background(), sess.ID, round,
		core.DiscussionFailed, ""); err != nil {
		o.log.Error("mark session failed errored",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
	o.broadcast(core.EventDiscussionFailed, map[string]any{
		"session_id": sess.ID,
		"round":      round,
		"error":      cause.Error(),
	})
}

func (o *Orchestrator) broadcast(eventType string, data any) {
	if o.opts.Broadcast == nil {
		return
	}
	o.opts.Broadcast(eventType, data)
}

// roundPrompt builds the per-provider prompt for one round from the
// transcript recorded so far.
func roundPrompt(topic string, round int, provider string, transcript []*core.DiscussionMessage) string {
	var sb strings.Builder
	switch round {
	case 1:
		sb.WriteString("You are participating in a structured discussion.\n")
		sb.WriteString("Topic: " + topic + "\n\n")
		sb.WriteString("Give your initial proposal. Be concrete and justify your choices.")
	case 2:
		sb.WriteString("Topic: " + topic + "\n\n")
		sb.WriteString("Initial proposals:\n")
		writeRole(&sb, transcript, 1, provider)
		sb.WriteString("\nReview the other participants' proposals. ")
		sb.WriteString("Point out strengths, weaknesses, and what you would change.")
	default:
		sb.WriteString("Topic: " + topic + "\n\n")
		sb.WriteString("Proposals:\n")
		writeRole(&sb, transcript, 1, "")
		sb.WriteString("\nReviews:\n")
		writeRole(&sb, transcript, 2, "")
		sb.WriteString("\nGive your revised, final position taking the reviews into account.")
	}
	return sb.String()
}

// summaryPrompt asks for a synthesis of the full transcript.
func summaryPrompt(topic string, transcript []*core.DiscussionMessage) string {
	var sb strings.Builder
	sb.WriteString("Synthesize the following discussion into a concise summary ")
	sb.WriteString("with a clear recommendation.\n")
	sb.WriteString("Topic: " + topic + "\n\n")
	for _, m := range transcript {
		if m.Status != core.MessageCompleted || m.Round == 0 {
			continue
		}
		fmt.Fprintf(&sb, "[round %d] %s (%s): %s\n", m.Round, m.Provider, m.Role, m.Content)
	}
	return sb.String()
}

// writeRole appends completed messages of one round, skipping excludeProvider
// (a reviewer does not re-read its own proposal).
func writeRole(sb *strings.Builder, transcript []*core.DiscussionMessage, round int, excludeProvider string) {
	for _, m := range transcript {
		if m.Round != round || m.Status != core.MessageCompleted {
			continue
		}
		if excludeProvider != "" && m.Provider == excludeProvider {
			continue
		}
		fmt.Fprintf(sb, "- %s: %s\n", m.Provider, m.Content)
	}
}
