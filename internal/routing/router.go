// Package routing picks a provider for requests that do not name one.
//
// Scoring blends two signals. Keyword rules give a confidence based on how
// many of a rule's keywords appear in the message, weighted by rule priority.
// Recent performance gives a score from observed latency, success rate, and
// cost. The final score is a configurable blend; unhealthy providers are
// halved so they only win when nothing else matches.
package routing

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/store"
)

// GroupToken prefixes a provider group reference ("@review-team"). The
// special token "@all" expands to every configured provider.
const (
	GroupPrefix = "@"
	GroupAll    = "@all"
)

// metricsWindow is the lookback for performance scoring.
const metricsWindow = time.Hour

// latencyCeiling is the latency at which the latency score reaches zero.
const latencyCeiling = 10_000 // ms

// Decision explains one routing choice.
type Decision struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model,omitempty"`
	Rule              string  `json:"rule,omitempty"`
	KeywordConfidence float64 `json:"keyword_confidence"`
	PerformanceScore  float64 `json:"performance_score"`
	FinalScore        float64 `json:"final_score"`
}

// Options configures the Router.
type Options struct {
	// Rules are evaluated against every auto-routed message.
	Rules []config.RoutingRule

	// Providers is every configured provider name.
	Providers []string

	// Groups maps group names (without "@") to member providers.
	Groups map[string][]string

	// DefaultProvider receives traffic when no rule matches.
	DefaultProvider string

	// PerformanceWeight blends performance into the final score (0..1).
	// Default: 0.3.
	PerformanceWeight float64

	// Available reports whether a provider may receive traffic. Nil means
	// everything is available.
	Available func(provider string) bool

	// Metrics supplies recent per-provider aggregates. Nil disables
	// performance scoring.
	Metrics func(ctx context.Context, since time.Time) (map[string]*store.ProviderMetrics, error)

	// Pricing supplies per-provider cost for the cost component.
	Pricing map[string]config.PricingEntry

	Logger *slog.Logger
}

// Router scores providers for auto-routed requests.
type Router struct {
	opts Options
	log  *slog.Logger
}

// New creates a Router.
func New(opts Options) *Router {
	if opts.PerformanceWeight <= 0 || opts.PerformanceWeight > 1 {
		opts.PerformanceWeight = 0.3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "router")),
	}
}

// Route picks a provider for a message. Returns the default provider with a
// zero-confidence decision when no rule matches.
func (r *Router) Route(ctx context.Context, message string) Decision {
	perf := r.performanceScores(ctx)
	lower := strings.ToLower(message)

	best := Decision{
		Provider:         r.opts.DefaultProvider,
		PerformanceScore: perf[r.opts.DefaultProvider],
	}
	best.FinalScore = r.blend(0, best.PerformanceScore)

	for _, rule := range r.opts.Rules {
		if rule.Provider == "" || len(rule.Keywords) == 0 {
			continue
		}
		if r.opts.Available != nil && !r.opts.Available(rule.Provider) {
			continue
		}

		kw := keywordConfidence(lower, rule.Keywords, rule.Priority)
		if kw == 0 {
			continue
		}

		d := Decision{
			Provider:          rule.Provider,
			Model:             rule.Model,
			Rule:              rule.Description,
			KeywordConfidence: kw,
			PerformanceScore:  perf[rule.Provider],
		}
		d.FinalScore = r.blend(kw, d.PerformanceScore)
		if d.FinalScore > best.FinalScore {
			best = d
		}
	}

	r.log.Debug("routed message",
		slog.String("provider", best.Provider),
		slog.String("rule", best.Rule),
		slog.Float64("final_score", best.FinalScore),
	)
	return best
}

func (r *Router) blend(keyword, performance float64) float64 {
	w := r.opts.PerformanceWeight
	return keyword*(1-w) + performance*w
}

// keywordConfidence is min(1, matches/len(keywords) * priority/100).
func keywordConfidence(lowerMessage string, keywords []string, priority int) float64 {
	matches := 0
	for _, kw := range keywords {
		if strings.Contains(lowerMessage, strings.ToLower(kw)) {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	if priority <= 0 {
		priority = 50
	}
	conf := float64(matches) / float64(len(keywords)) * float64(priority) / 100
	return math.Min(1, conf)
}

// performanceScores computes the blended performance score per provider.
// Latency contributes 30%, success rate 50%, cost 20%. Unavailable providers
// are halved.
func (r *Router) performanceScores(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, len(r.opts.Providers))

	var metrics map[string]*store.ProviderMetrics
	if r.opts.Metrics != nil {
		var err error
		metrics, err = r.opts.Metrics(ctx, time.Now().Add(-metricsWindow))
		if err != nil {
			r.log.Warn("performance metrics unavailable", slog.String("error", err.Error()))
		}
	}
	maxCost := r.maxCostPerMTok()

	for _, name := range r.opts.Providers {
		latencyScore, successScore := 1.0, 1.0
		if m, ok := metrics[name]; ok && m.Requests > 0 {
			latencyScore = math.Max(0, 1-m.AvgLatencyMs/latencyCeiling)
			successScore = m.SuccessRate
		}

		costScore := 1.0
		if maxCost > 0 {
			costScore = 1 - r.costPerMTok(name)/maxCost
		}

		score := 0.3*latencyScore + 0.5*successScore + 0.2*costScore
		if r.opts.Available != nil && !r.opts.Available(name) {
			score *= 0.5
		}
		out[name] = score
	}
	return out
}

func (r *Router) costPerMTok(provider string) float64 {
	p, ok := r.opts.Pricing[provider]
	if !ok {
		return 0
	}
	return p.InputPerMTok + p.OutputPerMTok
}

func (r *Router) maxCostPerMTok() float64 {
	max := 0.0
	for _, name := range r.opts.Providers {
		if c := r.costPerMTok(name); c > max {
			max = c
		}
	}
	return max
}

// ResolveProviders expands a provider token into concrete provider names.
//
// "" routes nothing (caller should Route first), a plain name resolves to
// itself, "@all" to every configured provider, and "@name" to the members of
// that group. Unhealthy members are skipped; an entirely unhealthy group
// still returns its members so the retry path can report real errors.
func (r *Router) ResolveProviders(token string) []string {
	var members []string
	switch {
	case token == "":
		return nil
	case token == GroupAll:
		members = r.opts.Providers
	case strings.HasPrefix(token, GroupPrefix):
		members = r.opts.Groups[strings.TrimPrefix(token, GroupPrefix)]
	default:
		return []string{token}
	}

	if r.opts.Available == nil {
		return append([]string(nil), members...)
	}

	healthy := make([]string, 0, len(members))
	for _, m := range members {
		if r.opts.Available(m) {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		return append([]string(nil), members...)
	}
	sort.Strings(healthy)
	return healthy
}

// IsGroupToken reports whether a provider string references a group.
func IsGroupToken(token string) bool {
	return strings.HasPrefix(token, GroupPrefix)
}
