// Package retry executes requests with per-provider retries and cross-provider
// fallback.
//
// Every failure is classified before the next move. Transient and rate-limit
// failures retry the same provider with capped exponential backoff plus
// jitter. Auth, client, and permanent failures never retry the same provider
// (more attempts with the same credentials or the same bad request change
// nothing) but the chain moves on: the next provider may hold different
// credentials and succeed where the first could not.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// Classification buckets a provider failure.
type Classification string

const (
	RetryableTransient    Classification = "retryable_transient"
	RetryableRateLimit    Classification = "retryable_rate_limit"
	NonRetryableAuth      Classification = "non_retryable_auth"
	NonRetryableClient    Classification = "non_retryable_client"
	NonRetryablePermanent Classification = "non_retryable_permanent"
)

// Retryable reports whether the same provider may be tried again.
func (c Classification) Retryable() bool {
	return c == RetryableTransient || c == RetryableRateLimit
}

// Classify buckets an execution error.
func Classify(err error) Classification {
	if err == nil {
		return RetryableTransient
	}

	var be *backend.Error
	if errors.As(err, &be) {
		if be.AuthError {
			return NonRetryableAuth
		}
		return classifyStatus(be.StatusCode, be.Retryable)
	}

	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus(), false)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return RetryableTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryableTransient
	}

	// Unknown failures are treated as transient so one odd error does not
	// permanently fail a request that a second attempt would serve.
	return RetryableTransient
}

func classifyStatus(status int, retryable bool) Classification {
	switch {
	case status == 401 || status == 403:
		return NonRetryableAuth
	case status == 429:
		return RetryableRateLimit
	case status == 501:
		return NonRetryablePermanent
	case status >= 500:
		return RetryableTransient
	case status >= 400:
		return NonRetryableClient
	case retryable:
		return RetryableTransient
	case status == 0:
		return RetryableTransient
	default:
		return NonRetryablePermanent
	}
}

// TransitionFunc is called when the executor moves between attempts:
// core.StatusRetrying for a same-provider retry, core.StatusFallback when
// switching providers. class is the classification of the failure that
// caused the move.
type TransitionFunc func(req *core.Request, status core.Status, provider string, class Classification)

// Options configures the Executor.
type Options struct {
	// MaxAttempts is the per-provider attempt cap. Default: 3.
	MaxAttempts int

	// InitialBackoff is the first retry delay. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay growth. Default: 15s.
	MaxBackoff time.Duration

	// Multiplier grows the delay per attempt. Default: 2.
	Multiplier float64

	// OnTransition observes retry/fallback moves. May be nil.
	OnTransition TransitionFunc

	// OnAuthFailure is called once per auth-classified failure, before the
	// chain advances, so reliability tracking sees every bad-credential
	// signal even when a fallback later succeeds. May be nil.
	OnAuthFailure func(provider string, err error)

	// Sleep is swappable for tests. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Executor runs requests through retry and fallback.
type Executor struct {
	opts Options
	log  *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "retry")),
	}
}

// Execute runs req against providers in order. Each provider gets up to
// MaxAttempts tries for retryable failures; the summary records every
// attempt. The returned provider is the one that succeeded.
func (e *Executor) Execute(
	ctx context.Context,
	req *core.Request,
	providers []string,
	backends map[string]backend.Backend,
) (*backend.Result, string, *core.RetrySummary, error) {
	summary := &core.RetrySummary{}
	var lastErr error

	for pi, provider := range providers {
		b, ok := backends[provider]
		if !ok {
			lastErr = &backend.Error{Provider: provider, Message: "no backend registered", StatusCode: 404}
			appendAttempt(summary, provider, NonRetryablePermanent, 0, lastErr)
			continue
		}

		if pi > 0 && e.opts.OnTransition != nil {
			e.opts.OnTransition(req, core.StatusFallback, provider, Classify(lastErr))
		}

		for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
			start := time.Now()
			result, err := b.Execute(ctx, req)
			elapsed := time.Since(start)

			if err == nil {
				summary.Attempts++
				summary.Classifications = append(summary.Classifications, "success")
				summary.Providers = append(summary.Providers, provider)
				return result, provider, summary, nil
			}
			lastErr = err

			class := Classify(err)
			appendAttempt(summary, provider, class, elapsed.Milliseconds(), err)

			e.log.Warn("attempt failed",
				slog.String("request_id", req.ID),
				slog.String("provider", provider),
				slog.Int("attempt", attempt),
				slog.String("classification", string(class)),
				slog.String("error", err.Error()),
			)

			if class == NonRetryableAuth && e.opts.OnAuthFailure != nil {
				e.opts.OnAuthFailure(provider, err)
			}
			if !class.Retryable() {
				break // next provider
			}
			if attempt == e.opts.MaxAttempts {
				break
			}

			if e.opts.OnTransition != nil {
				e.opts.OnTransition(req, core.StatusRetrying, provider, class)
			}
			if err := e.opts.Sleep(ctx, e.backoff(attempt, class)); err != nil {
				return nil, "", summary, err
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("retry: no providers to try")
	}
	return nil, "", summary, lastErr
}

// backoff computes the delay before attempt+1: exponential growth, capped,
// with 25% jitter. Rate-limit failures start from a longer base.
func (e *Executor) backoff(attempt int, class Classification) time.Duration {
	base := e.opts.InitialBackoff
	if class == RetryableRateLimit {
		base *= 4
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= e.opts.Multiplier
	}
	if d > float64(e.opts.MaxBackoff) {
		d = float64(e.opts.MaxBackoff)
	}

	jitter := d * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(d + jitter)
}

func appendAttempt(s *core.RetrySummary, provider string, class Classification, elapsedMs int64, err error) {
	s.Attempts++
	s.Classifications = append(s.Classifications, string(class))
	s.Providers = append(s.Providers, provider)
	attempt := core.RetryAttempt{
		Provider:       provider,
		Classification: string(class),
		ElapsedMs:      elapsedMs,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	s.PerAttempt = append(s.PerAttempt, attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
