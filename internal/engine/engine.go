// Package engine drives the request lifecycle: dequeue, route, execute with
// retry/fallback or parallel fan-out, persist the terminal outcome, and
// broadcast every transition.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/backpressure"
	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/core"
	"github.com/nulpointcorp/ai-gateway/internal/health"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/parallel"
	"github.com/nulpointcorp/ai-gateway/internal/queue"
	"github.com/nulpointcorp/ai-gateway/internal/reliability"
	"github.com/nulpointcorp/ai-gateway/internal/retry"
	"github.com/nulpointcorp/ai-gateway/internal/routing"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/internal/stream"
)

// defaultRequestTimeout applies when a request carries no timeout of its own.
const defaultRequestTimeout = 5 * time.Minute

// ErrNotRunning is returned by Cancel when the request is neither queued nor
// in flight.
var ErrNotRunning = errors.New("engine: request is not queued or running")

// BroadcastFunc publishes lifecycle events to the WebSocket bus. Broadcast
// failures never affect request state.
type BroadcastFunc func(eventType string, data any)

// Memory is the optional context-injection hook pair around execution.
// Implementations must treat the request as owned by the engine: Inject may
// rewrite Message, Record only observes.
type Memory interface {
	Inject(ctx context.Context, req *core.Request) error
	Record(ctx context.Context, req *core.Request, resp *core.Response) error
}

// NopMemory is the null implementation used when no memory layer is wired.
type NopMemory struct{}

func (NopMemory) Inject(context.Context, *core.Request) error { return nil }
func (NopMemory) Record(context.Context, *core.Request, *core.Response) error {
	return nil
}

// Options wires the engine's collaborators.
type Options struct {
	Store        *store.Store
	Queue        *queue.Queue
	Backpressure *backpressure.Controller
	Health       *health.Checker
	Tracker      *reliability.Tracker
	Router       *routing.Router
	Cache        *cache.Manager
	Stream       *stream.Manager
	Metrics      *metrics.Metrics
	Backends     map[string]backend.Backend
	Broadcast    BroadcastFunc
	Memory       Memory

	Pricing map[string]config.PricingEntry

	// FallbackChains maps a primary provider to its ordered fallbacks.
	FallbackChains  map[string][]string
	FallbackEnabled bool
	ParallelEnabled bool

	DefaultTimeout time.Duration

	Retry    retry.Options
	Parallel parallel.Options

	Logger *slog.Logger
}

// Engine is the lifecycle worker pool.
type Engine struct {
	opts Options
	log  *slog.Logger

	retryExec    *retry.Executor
	parallelExec *parallel.Executor

	mu      sync.Mutex
	running map[string]context.CancelFunc
	waiters map[string][]chan *core.Response

	wg sync.WaitGroup
}

// New creates an Engine. The retry executor's transition and auth-failure
// callbacks are owned by the engine; any caller-supplied ones are replaced.
func New(opts Options) *Engine {
	if opts.Broadcast == nil {
		opts.Broadcast = func(string, any) {}
	}
	if opts.Memory == nil {
		opts.Memory = NopMemory{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "engine")),
		running: make(map[string]context.CancelFunc),
		waiters: make(map[string][]chan *core.Response),
	}

	opts.Retry.OnTransition = e.onRetryTransition
	if opts.Tracker != nil {
		opts.Retry.OnAuthFailure = func(provider string, err error) {
			opts.Tracker.RecordFailure(provider, err.Error())
		}
	}
	opts.Retry.Logger = opts.Logger
	e.retryExec = retry.New(opts.Retry)

	opts.Parallel.Logger = opts.Logger
	e.parallelExec = parallel.New(opts.Parallel)
	return e
}

// Submit validates, persists, and enqueues a request. The request's ID,
// status, and timestamps are filled in here.
func (e *Engine) Submit(ctx context.Context, req *core.Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("engine: message required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = e.opts.DefaultTimeout
	}
	now := time.Now().UTC()
	req.Status = core.StatusQueued
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := e.opts.Store.CreateRequest(ctx, req); err != nil {
		return err
	}
	if err := e.opts.Queue.Enqueue(req); err != nil {
		if uerr := e.opts.Store.UpdateRequestStatus(context.Background(), req.ID, core.StatusFailed); uerr != nil {
			e.log.Error("mark rejected request failed",
				slog.String("request_id", req.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return err
	}

	e.observeQueueDepth()
	e.opts.Broadcast(core.EventRequestSubmitted, req)
	return nil
}

// Run dequeues and processes requests until ctx is cancelled or the queue
// shuts down. Blocks; run it on its own goroutine and call Drain at shutdown.
func (e *Engine) Run(ctx context.Context) error {
	for {
		req, err := e.opts.Queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		e.observeQueueDepth()
		if e.opts.Metrics != nil {
			e.opts.Metrics.QueueWait.Observe(time.Since(req.CreatedAt).Seconds())
		}

		if err := e.opts.Backpressure.Acquire(ctx); err != nil {
			// Shutting down; the request stays queued in the store and is
			// swept by the TTL cleanup.
			e.opts.Queue.MarkFinished(req.ID)
			return err
		}

		e.wg.Add(1)
		go func(req *core.Request) {
			defer e.wg.Done()
			defer e.opts.Backpressure.Release()
			e.process(ctx, req)
		}(req)
	}
}

// Drain waits for in-flight requests to finish.
func (e *Engine) Drain() { e.wg.Wait() }

// Cancel stops a queued or in-flight request.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if e.opts.Queue.Cancel(id) {
		// The request never reached a worker, so its terminal response is
		// written here and any blocked Wait callers are released.
		resp := &core.Response{
			RequestID: id,
			Status:    core.StatusCancelled,
			Error:     "cancelled while queued",
			CreatedAt: time.Now().UTC(),
		}
		if err := e.opts.Store.SaveResponse(ctx, resp); err != nil {
			return err
		}
		if err := e.opts.Store.UpdateRequestStatus(ctx, id, core.StatusCancelled); err != nil {
			return err
		}
		e.observeQueueDepth()
		e.notifyWaiters(id, resp)
		e.opts.Broadcast(core.EventRequestCancelled, resp)
		return nil
	}

	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// Wait blocks until the request reaches a terminal state or ctx expires. If
// the request already finished, the stored response is returned immediately.
func (e *Engine) Wait(ctx context.Context, id string) (*core.Response, error) {
	ch := make(chan *core.Response, 1)

	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	defer e.dropWaiter(id, ch)

	// The request may have completed before the waiter was registered.
	if resp, err := e.opts.Store.GetResponse(ctx, id); err == nil {
		return resp, nil
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// process runs one request end to end. Any outcome, including panic-free
// failure paths, leaves a persisted terminal status and response.
func (e *Engine) process(parent context.Context, req *core.Request) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(parent, req.Timeout)
	e.mu.Lock()
	e.running[req.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, req.ID)
		e.mu.Unlock()
		cancel()
	}()

	if e.opts.Metrics != nil {
		e.opts.Metrics.ActiveWorkers.Inc()
		defer e.opts.Metrics.ActiveWorkers.Dec()
	}

	// The message as submitted survives in metadata even if the memory hook
	// rewrites it.
	if req.MetaString(core.MetaOriginalMessage) == "" {
		req.SetMeta(core.MetaOriginalMessage, req.Message)
	}

	if err := e.opts.Store.UpdateRequestStatus(reqCtx, req.ID, core.StatusProcessing); err != nil {
		// Cancelled while queued in the store; nothing to do.
		e.opts.Queue.MarkFinished(req.ID)
		return
	}
	req.Status = core.StatusProcessing
	e.opts.Stream.Start(req.ID, req.Provider)
	e.opts.Stream.Status(req.ID, core.StatusProcessing)
	e.opts.Broadcast(core.EventRequestProcessing, req)

	if err := e.opts.Memory.Inject(reqCtx, req); err != nil {
		e.log.Warn("memory inject failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}

	resp := e.execute(reqCtx, req)
	resp.RequestID = req.ID
	resp.LatencyMs = time.Since(start).Milliseconds()
	resp.CreatedAt = time.Now().UTC()

	e.finish(req, resp)

	if err := e.opts.Memory.Record(context.Background(), req, resp); err != nil {
		e.log.Warn("memory record failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// execute resolves the provider set and runs the request, returning a
// response that carries the terminal status.
func (e *Engine) execute(ctx context.Context, req *core.Request) *core.Response {
	// Auto-route when no provider was named.
	if req.Provider == "" {
		decision := e.opts.Router.Route(ctx, req.Message)
		req.Provider = decision.Provider
		req.SetMeta(core.MetaRecommendation, decision)
		if decision.Model != "" && req.MetaString("model") == "" {
			req.SetMeta("model", decision.Model)
		}
	}

	parallelRun := e.opts.ParallelEnabled &&
		(routing.IsGroupToken(req.Provider) || req.MetaBool(core.MetaParallel))

	if !parallelRun {
		if req.MetaBool(core.MetaHealthCheck) {
			e.opts.Health.CheckNow(ctx, req.Provider)
		}
		if hit, ok := e.opts.Cache.Get(ctx, req.Provider, e.originalMessage(req), req.MetaBool(core.MetaCacheBypass)); ok {
			if e.opts.Metrics != nil {
				e.opts.Metrics.CacheHitsTotal.WithLabelValues(req.Provider).Inc()
			}
			return &core.Response{
				Status:   core.StatusCompleted,
				Response: hit.Response,
				Provider: req.Provider,
				Tokens:   hit.TokensUsed,
				Cached:   true,
			}
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.CacheMissesTotal.WithLabelValues(req.Provider).Inc()
		}
	}

	if parallelRun {
		return e.executeParallel(ctx, req)
	}
	return e.executeChain(ctx, req)
}

// executeChain runs the provider plus its fallback chain through the retry
// executor.
func (e *Engine) executeChain(ctx context.Context, req *core.Request) *core.Response {
	providers := e.providerChain(req.Provider)

	result, provider, summary, err := e.retryExec.Execute(ctx, req, providers, e.opts.Backends)

	resp := &core.Response{Provider: req.Provider}
	if summary != nil && summary.Attempts > 0 {
		resp.Metadata = map[string]any{"retry_info": summary}
	}

	if err != nil {
		resp.Status = statusForError(ctx, err)
		resp.Error = err.Error()
		return resp
	}

	resp.Status = core.StatusCompleted
	resp.Provider = provider
	resp.Response = result.Response
	resp.Tokens = result.TokensUsed
	resp.Thinking = result.Thinking
	resp.RawOutput = result.RawOutput

	e.opts.Cache.Put(context.Background(), provider, e.originalMessage(req),
		result.Response, result.TokensUsed)
	e.recordCost(req, provider, result)
	return resp
}

// executeParallel fans out to a provider group and reduces with the request's
// aggregation strategy.
func (e *Engine) executeParallel(ctx context.Context, req *core.Request) *core.Response {
	providers := e.opts.Router.ResolveProviders(req.Provider)
	if len(providers) == 0 {
		providers = e.providerChain(req.Provider)
	}

	strategy := parallel.FirstSuccess
	if s := req.MetaString(core.MetaAggregationStrategy); s != "" {
		parsed, err := parallel.ParseStrategy(s)
		if err != nil {
			return &core.Response{
				Status:   core.StatusFailed,
				Provider: req.Provider,
				Error:    err.Error(),
			}
		}
		strategy = parsed
	}

	outcome, err := e.parallelExec.Execute(ctx, req, providers, e.opts.Backends, strategy)

	resp := &core.Response{Provider: req.Provider}
	if outcome != nil {
		resp.Metadata = map[string]any{"all_responses": outcome.Branches}
	}
	if err != nil {
		resp.Status = statusForError(ctx, err)
		resp.Error = err.Error()
		for _, provider := range providers {
			e.opts.Tracker.RecordFailure(provider, err.Error())
		}
		return resp
	}

	resp.Status = core.StatusCompleted
	resp.Provider = outcome.Provider
	resp.Response = outcome.Result.Response
	resp.Tokens = outcome.Result.TokensUsed
	resp.Thinking = outcome.Result.Thinking

	for _, br := range outcome.Branches {
		if br.Success {
			e.opts.Tracker.RecordSuccess(br.Provider)
		} else if br.Error != "" {
			e.opts.Tracker.RecordFailure(br.Provider, br.Error)
		}
	}

	e.opts.Cache.Put(context.Background(), outcome.Provider, e.originalMessage(req),
		outcome.Result.Response, outcome.Result.TokensUsed)
	e.recordCost(req, outcome.Provider, outcome.Result)
	return resp
}

// finish persists the terminal outcome, emits stream and bus events, and
// releases waiters. Broadcast or stream failures never alter stored state.
func (e *Engine) finish(req *core.Request, resp *core.Response) {
	ctx := context.Background()

	if err := e.opts.Store.SaveResponse(ctx, resp); err != nil {
		e.log.Error("save response failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.opts.Store.UpdateRequestStatus(ctx, req.ID, resp.Status); err != nil {
		e.log.Error("terminal status update failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}

	success := resp.Status == core.StatusCompleted
	e.opts.Backpressure.RecordOutcome(success)
	if success {
		e.opts.Stream.Output(req.ID, resp.Response)
		if !resp.Cached {
			e.opts.Tracker.RecordSuccess(resp.Provider)
		}
	} else {
		e.opts.Stream.Error(req.ID, resp.Error)
		if resp.Status == core.StatusFailed {
			e.opts.Tracker.RecordFailure(resp.Provider, resp.Error)
		}
	}
	e.opts.Stream.Complete(req.ID, success)

	if !resp.Cached {
		if err := e.opts.Store.RecordMetric(ctx, &store.MetricEvent{
			Provider:  resp.Provider,
			EventType: "request",
			LatencyMs: resp.LatencyMs,
			Success:   success,
			Error:     resp.Error,
		}); err != nil {
			e.log.Warn("record metric failed", slog.String("error", err.Error()))
		}
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.RequestsTotal.WithLabelValues(string(resp.Status), resp.Provider).Inc()
		e.opts.Metrics.RequestLatency.WithLabelValues(resp.Provider).
			Observe(float64(resp.LatencyMs) / 1000)
	}

	e.opts.Queue.MarkFinished(req.ID)
	e.notifyWaiters(req.ID, resp)
	e.opts.Broadcast(eventForStatus(resp.Status), resp)

	e.log.Info("request finished",
		slog.String("request_id", req.ID),
		slog.String("provider", resp.Provider),
		slog.String("status", string(resp.Status)),
		slog.Int64("latency_ms", resp.LatencyMs),
		slog.Bool("cached", resp.Cached),
	)
}

// providerChain returns the provider followed by its configured fallbacks,
// skipping candidates the health checker marks unavailable or the
// reliability tracker flags for re-authentication. The primary is always
// tried.
func (e *Engine) providerChain(provider string) []string {
	chain := []string{provider}
	if !e.opts.FallbackEnabled {
		return chain
	}
	for _, fb := range e.opts.FallbackChains[provider] {
		if e.opts.Health != nil && !e.opts.Health.Available(fb) {
			continue
		}
		if e.opts.Tracker != nil && e.opts.Tracker.NeedsReauth(fb) {
			continue
		}
		chain = append(chain, fb)
	}
	return chain
}

// onRetryTransition persists retrying/fallback moves and mirrors them onto
// the stream log, the bus, and Prometheus.
func (e *Engine) onRetryTransition(req *core.Request, status core.Status, provider string, class retry.Classification) {
	ctx := context.Background()
	if err := e.opts.Store.UpdateRequestStatus(ctx, req.ID, status); err != nil {
		e.log.Warn("transition status update failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	e.opts.Stream.Status(req.ID, status)

	switch status {
	case core.StatusRetrying:
		if e.opts.Metrics != nil {
			e.opts.Metrics.RetriesTotal.WithLabelValues(provider, string(class)).Inc()
		}
		e.opts.Broadcast(core.EventRequestRetrying, map[string]any{
			"request_id": req.ID,
			"provider":   provider,
		})
	case core.StatusFallback:
		if e.opts.Metrics != nil {
			e.opts.Metrics.FallbacksTotal.WithLabelValues(req.Provider, provider).Inc()
		}
		e.opts.Broadcast(core.EventRequestFallback, map[string]any{
			"request_id": req.ID,
			"from":       req.Provider,
			"to":         provider,
		})
	}
}

// recordCost writes a token usage row. When the backend reports only a total,
// it is split 30% input / 70% output.
func (e *Engine) recordCost(req *core.Request, provider string, result *backend.Result) {
	in, out := result.InputTokens, result.OutputTokens
	if in == 0 && out == 0 {
		if result.TokensUsed == 0 {
			return
		}
		in = result.TokensUsed * 30 / 100
		out = result.TokensUsed - in
	}

	var cost float64
	if p, ok := e.opts.Pricing[provider]; ok {
		cost = float64(in)/1e6*p.InputPerMTok + float64(out)/1e6*p.OutputPerMTok
	}

	if err := e.opts.Store.RecordTokenCost(context.Background(), &store.TokenCost{
		Provider:     provider,
		Model:        result.Model,
		RequestID:    req.ID,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
	}); err != nil {
		e.log.Warn("record token cost failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) originalMessage(req *core.Request) string {
	if msg := req.MetaString(core.MetaOriginalMessage); msg != "" {
		return msg
	}
	return req.Message
}

func (e *Engine) observeQueueDepth() {
	if e.opts.Metrics != nil {
		e.opts.Metrics.QueueDepth.Set(float64(e.opts.Queue.Depth()))
	}
}

func (e *Engine) notifyWaiters(id string, resp *core.Response) {
	e.mu.Lock()
	chans := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()
	for _, ch := range chans {
		ch <- resp
	}
}

func (e *Engine) dropWaiter(id string, ch chan *core.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chans := e.waiters[id]
	for i, c := range chans {
		if c == ch {
			e.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

// statusForError maps an execution error to a terminal status.
func statusForError(ctx context.Context, err error) core.Status {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.StatusTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return core.StatusCancelled
	default:
		return core.StatusFailed
	}
}

func eventForStatus(s core.Status) string {
	switch s {
	case core.StatusCompleted:
		return core.EventRequestCompleted
	case core.StatusCancelled:
		return core.EventRequestCancelled
	default:
		return core.EventRequestFailed
	}
}

// Describe summarizes a request for status endpoints: the stored row plus,
// when terminal, its response.
func (e *Engine) Describe(ctx context.Context, id string) (*core.Request, *core.Response, error) {
	req, err := e.opts.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !req.Status.Terminal() {
		return req, nil, nil
	}
	resp, err := e.opts.Store.GetResponse(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return req, nil, nil
		}
		return nil, nil, err
	}
	return req, resp, nil
}
