// Package parallel fans a request out across a provider group and reduces
// the results with a configurable aggregation strategy.
//
// Every branch runs under its own per-provider timeout. All branch outcomes,
// winners and losers alike, are reported back so the engine can persist them
// in response metadata.
package parallel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/backend"
	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// Strategy selects how concurrent branch results reduce to one response.
type Strategy string

const (
	FirstSuccess Strategy = "first_success"
	Fastest      Strategy = "fastest"
	All          Strategy = "all"
	Consensus    Strategy = "consensus"
)

// ParseStrategy validates a wire-level strategy name. Empty defaults to
// FirstSuccess.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return FirstSuccess, nil
	case FirstSuccess, Fastest, All, Consensus:
		return Strategy(s), nil
	default:
		return "", errors.New("parallel: unknown aggregation strategy " + s)
	}
}

// BranchResult is one provider's outcome within a fan-out.
type BranchResult struct {
	Provider  string `json:"provider"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Tokens    int    `json:"tokens_used,omitempty"`
	Success   bool   `json:"success"`
	Selected  bool   `json:"selected"`
}

// Outcome is the reduced result of a fan-out.
type Outcome struct {
	Provider string
	Result   *backend.Result
	Branches []BranchResult
}

// Options configures the Executor.
type Options struct {
	// ProviderTimeout bounds each branch. Default: 60s.
	ProviderTimeout time.Duration

	Logger *slog.Logger
}

// Executor runs parallel fan-outs.
type Executor struct {
	opts Options
	log  *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "parallel")),
	}
}

type branch struct {
	provider string
	result   *backend.Result
	err      error
	latency  time.Duration
}

// Execute fans req out to every provider and reduces with the strategy.
func (e *Executor) Execute(
	ctx context.Context,
	req *core.Request,
	providers []string,
	backends map[string]backend.Backend,
	strategy Strategy,
) (*Outcome, error) {
	if len(providers) == 0 {
		return nil, errors.New("parallel: no providers")
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan branch, len(providers))
	var wg sync.WaitGroup
	for _, provider := range providers {
		b, ok := backends[provider]
		if !ok {
			results <- branch{provider: provider, err: errors.New("no backend registered")}
			continue
		}
		wg.Add(1)
		go func(provider string, b backend.Backend) {
			defer wg.Done()
			branchCtx, branchCancel := context.WithTimeout(fanCtx, e.opts.ProviderTimeout)
			defer branchCancel()

			start := time.Now()
			result, err := b.Execute(branchCtx, req)
			results <- branch{
				provider: provider,
				result:   result,
				err:      err,
				latency:  time.Since(start),
			}
		}(provider, b)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	if strategy == FirstSuccess {
		return e.reduceFirstSuccess(cancel, results, len(providers))
	}

	// The remaining strategies wait for every branch.
	collected := make([]branch, 0, len(providers))
	for br := range results {
		collected = append(collected, br)
	}
	switch strategy {
	case Fastest:
		return reduceFastest(collected)
	case Consensus:
		return reduceConsensus(collected)
	default:
		return reduceAll(collected)
	}
}

// reduceFirstSuccess returns on the first successful branch and cancels the
// rest. Branches still in flight are reported as cancelled.
func (e *Executor) reduceFirstSuccess(cancel context.CancelFunc, results <-chan branch, total int) (*Outcome, error) {
	outcome := &Outcome{}
	var firstErr error

	for br := range results {
		if br.err == nil && outcome.Result == nil {
			outcome.Provider = br.provider
			outcome.Result = br.result
			outcome.Branches = append(outcome.Branches, toBranchResult(br, true))
			cancel()
			continue
		}
		if br.err != nil && firstErr == nil {
			firstErr = br.err
		}
		outcome.Branches = append(outcome.Branches, toBranchResult(br, false))
	}

	if outcome.Result == nil {
		if firstErr == nil {
			firstErr = errors.New("parallel: all branches failed")
		}
		return outcome, firstErr
	}
	return outcome, nil
}

func reduceFastest(branches []branch) (*Outcome, error) {
	outcome := &Outcome{}
	bestIdx := -1
	for i, br := range branches {
		if br.err != nil {
			continue
		}
		if bestIdx < 0 || br.latency < branches[bestIdx].latency {
			bestIdx = i
		}
	}

	for i, br := range branches {
		outcome.Branches = append(outcome.Branches, toBranchResult(br, i == bestIdx))
	}
	if bestIdx < 0 {
		return outcome, errors.New("parallel: all branches failed")
	}
	outcome.Provider = branches[bestIdx].provider
	outcome.Result = branches[bestIdx].result
	return outcome, nil
}

// reduceAll synthesizes an aggregate response joining every successful
// branch. It fails only when every branch failed.
func reduceAll(branches []branch) (*Outcome, error) {
	outcome := &Outcome{}
	var (
		sb       strings.Builder
		agg      backend.Result
		anyOK    bool
		provider string
	)
	for _, br := range branches {
		outcome.Branches = append(outcome.Branches, toBranchResult(br, br.err == nil))
		if br.err != nil {
			continue
		}
		if anyOK {
			sb.WriteString("\n\n")
		}
		sb.WriteString("[" + br.provider + "]\n")
		sb.WriteString(br.result.Response)
		agg.TokensUsed += br.result.TokensUsed
		if !anyOK {
			provider = br.provider
		}
		anyOK = true
	}
	if !anyOK {
		return outcome, errors.New("parallel: all branches failed")
	}
	agg.Response = sb.String()
	outcome.Provider = provider
	outcome.Result = &agg
	return outcome, nil
}

// reduceConsensus picks the majority response among successes, where
// equality is a hash over the trimmed text. Ties go to the fastest branch in
// the largest group.
func reduceConsensus(branches []branch) (*Outcome, error) {
	votes := make(map[string][]int)
	for i, br := range branches {
		if br.err != nil {
			continue
		}
		votes[responseHash(br.result.Response)] = append(votes[responseHash(br.result.Response)], i)
	}
	if len(votes) == 0 {
		outcome := &Outcome{}
		for _, br := range branches {
			outcome.Branches = append(outcome.Branches, toBranchResult(br, false))
		}
		return outcome, errors.New("parallel: all branches failed")
	}

	var winner []int
	for _, group := range votes {
		if len(group) > len(winner) {
			winner = group
		}
	}
	bestIdx := winner[0]
	for _, i := range winner[1:] {
		if branches[i].latency < branches[bestIdx].latency {
			bestIdx = i
		}
	}

	outcome := &Outcome{
		Provider: branches[bestIdx].provider,
		Result:   branches[bestIdx].result,
	}
	for i, br := range branches {
		outcome.Branches = append(outcome.Branches, toBranchResult(br, i == bestIdx))
	}
	return outcome, nil
}

func responseHash(response string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(response)))
	return hex.EncodeToString(sum[:])
}

func toBranchResult(br branch, selected bool) BranchResult {
	out := BranchResult{
		Provider:  br.provider,
		LatencyMs: br.latency.Milliseconds(),
		Selected:  selected,
	}
	if br.err != nil {
		out.Error = br.err.Error()
		return out
	}
	out.Success = true
	out.Response = br.result.Response
	out.Tokens = br.result.TokensUsed
	return out
}
