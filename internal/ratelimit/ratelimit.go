// Package ratelimit implements per-client and per-provider rate limiting
// using Redis sliding window counters with atomic Lua scripts.
//
// Redis keeps the limits consistent across gateway replicas. When Redis is
// unreachable the limiter degrades open: a rate limit outage must never take
// the gateway down with it.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding
// window rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	clientKeyPrefix   = "ratelimit:client:"
	providerKeyPrefix = "ratelimit:provider:"
)

// Limiter enforces requests-per-minute limits with Redis sliding windows.
type Limiter struct {
	rdb       *redis.Client
	clientRPM int
	burst     int
	perClient bool
	providers map[string]int
}

// Options configures the Limiter.
type Options struct {
	// ClientRPM is the per-client requests-per-minute limit. 0 disables
	// client limiting.
	ClientRPM int

	// Burst is extra per-client headroom on top of ClientRPM within one
	// window, absorbing short spikes without raising the steady rate.
	Burst int

	// ProviderRPM maps provider names to per-provider limits. Missing
	// providers are unlimited.
	ProviderRPM map[string]int
}

// New creates a Limiter. rdb may be nil, in which case everything is
// allowed.
func New(rdb *redis.Client, opts Options) *Limiter {
	if opts.Burst < 0 {
		opts.Burst = 0
	}
	return &Limiter{
		rdb:       rdb,
		clientRPM: opts.ClientRPM,
		burst:     opts.Burst,
		perClient: opts.ClientRPM > 0,
		providers: opts.ProviderRPM,
	}
}

// AllowClient checks the per-client window. The client id is typically the
// API key id or the remote IP.
func (l *Limiter) AllowClient(ctx context.Context, clientID string) (bool, error) {
	if !l.perClient || l.rdb == nil {
		return true, nil
	}
	return l.check(ctx, clientKeyPrefix+clientID, l.clientRPM+l.burst)
}

// AllowProvider checks the per-provider window before an upstream call.
func (l *Limiter) AllowProvider(ctx context.Context, provider string) (bool, error) {
	if l.rdb == nil {
		return true, nil
	}
	limit, ok := l.providers[provider]
	if !ok || limit <= 0 {
		return true, nil
	}
	return l.check(ctx, providerKeyPrefix+provider, limit)
}

func (l *Limiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request (degrade open).
		return true, nil
	}

	return result == 1, nil
}
