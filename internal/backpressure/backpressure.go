// Package backpressure adapts engine concurrency to queue load.
//
// A sampler classifies queue utilization into four levels and scales the
// number of concurrently processed requests multiplicatively: full capacity
// under low load, a quarter of it under critical load. A sliding window of
// recent request outcomes also feeds the classification: when fewer than
// half of the windowed requests succeeded, load is critical no matter how
// shallow the queue is. Admission control sits in front of the queue so the
// HTTP layer can shed with 503 before enqueueing.
package backpressure

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Level is the current load classification.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Utilization thresholds. A queue at 50% depth is medium, 75% high, 90%
// critical.
const (
	mediumThreshold   = 0.50
	highThreshold     = 0.75
	criticalThreshold = 0.90
)

// multiplier returns the concurrency scale factor for a level.
func (l Level) multiplier() float64 {
	switch l {
	case LevelMedium:
		return 0.8
	case LevelHigh:
		return 0.5
	case LevelCritical:
		return 0.25
	default:
		return 1.0
	}
}

// classify maps queue utilization (0..1) to a level.
func classify(utilization float64) Level {
	switch {
	case utilization >= criticalThreshold:
		return LevelCritical
	case utilization >= highThreshold:
		return LevelHigh
	case utilization >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Options configures the Controller.
type Options struct {
	// MaxConcurrent is the full-capacity worker count. Default: 8.
	MaxConcurrent int

	// MaxQueueDepth is the queue bound used to compute utilization.
	// Default: 500.
	MaxQueueDepth int

	// SampleInterval is how often the load loop re-samples. Default: 1s.
	SampleInterval time.Duration

	// SuccessWindow is how many recent request outcomes feed the success
	// rate. Default: 50.
	SuccessWindow int

	// DepthFunc reports the current queue depth.
	DepthFunc func() int

	Logger *slog.Logger
}

// Controller owns the load level and the resizable concurrency limiter.
type Controller struct {
	mu       sync.Mutex
	cond     *sync.Cond
	level    Level
	limit    int
	acquired int

	// Ring buffer of recent request outcomes.
	outcomes  []bool
	outcomeIx int
	outcomeN  int

	accepted int64
	rejected int64

	maxConcurrent int
	maxQueueDepth int
	interval      time.Duration
	depthFunc     func() int
	log           *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a controller starting at LevelLow / full capacity.
func New(opts Options) *Controller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = 500
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.SuccessWindow <= 0 {
		opts.SuccessWindow = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		level:         LevelLow,
		limit:         opts.MaxConcurrent,
		outcomes:      make([]bool, opts.SuccessWindow),
		maxConcurrent: opts.MaxConcurrent,
		maxQueueDepth: opts.MaxQueueDepth,
		interval:      opts.SampleInterval,
		depthFunc:     opts.DepthFunc,
		log:           opts.Logger.With(slog.String("component", "backpressure")),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run samples queue depth until ctx is done or Stop is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if c.depthFunc != nil {
				c.Sample(c.depthFunc())
			}
		}
	}
}

// Stop terminates the Run loop and waits for it to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// RecordOutcome feeds one terminal request outcome into the success window.
func (c *Controller) RecordOutcome(success bool) {
	c.mu.Lock()
	c.outcomes[c.outcomeIx] = success
	c.outcomeIx = (c.outcomeIx + 1) % len(c.outcomes)
	if c.outcomeN < len(c.outcomes) {
		c.outcomeN++
	}
	c.mu.Unlock()
}

// successRate reports the windowed success fraction. Until the window fills
// it reports 1.0 so a lone early failure cannot choke admission.
// Callers must hold c.mu.
func (c *Controller) successRate() float64 {
	if c.outcomeN < len(c.outcomes) {
		return 1.0
	}
	succeeded := 0
	for _, ok := range c.outcomes {
		if ok {
			succeeded++
		}
	}
	return float64(succeeded) / float64(c.outcomeN)
}

// Sample reclassifies load from a queue depth reading and the windowed
// success rate, then resizes the concurrency limit.
func (c *Controller) Sample(depth int) Level {
	utilization := float64(depth) / float64(c.maxQueueDepth)

	c.mu.Lock()
	old := c.level
	c.level = classify(utilization)
	if c.successRate() < 0.5 {
		c.level = LevelCritical
	}
	c.limit = scaledLimit(c.maxConcurrent, c.level)
	level := c.level
	limit := c.limit
	if c.level != old {
		// A raised limit may unblock waiting workers.
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	if level != old {
		c.log.Info("load level changed",
			slog.String("from", string(old)),
			slog.String("to", string(level)),
			slog.Int("queue_depth", depth),
			slog.Int("concurrency_limit", limit),
		)
	}
	return level
}

func scaledLimit(max int, level Level) int {
	limit := int(math.Ceil(float64(max) * level.multiplier()))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Acquire blocks until a worker slot is free or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.acquired >= c.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.acquired++
	return nil
}

// Release frees a worker slot.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.acquired > 0 {
		c.acquired--
	}
	c.cond.Signal()
	c.mu.Unlock()
}

// ShouldAccept decides whether a new request may be enqueued at the given
// queue depth. The reason is non-empty only on rejection.
func (c *Controller) ShouldAccept(depth int) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reason := ""
	switch {
	case depth >= c.maxQueueDepth:
		reason = "queue full"
	case c.successRate() < 0.5:
		reason = "system under critical load"
	case classify(float64(depth)/float64(c.maxQueueDepth)) == LevelCritical:
		reason = "system under critical load"
	}
	if reason != "" {
		c.rejected++
		return false, reason
	}
	c.accepted++
	return true, ""
}

// Snapshot reports the controller's current state.
type Snapshot struct {
	Level         Level   `json:"level"`
	Limit         int     `json:"concurrency_limit"`
	Acquired      int     `json:"active_workers"`
	MaxConcurrent int     `json:"max_concurrent"`
	MaxQueueDepth int     `json:"max_queue_depth"`
	SuccessRate   float64 `json:"success_rate"`
	Accepted      int64   `json:"accepted"`
	Rejected      int64   `json:"rejected"`
}

// State returns a point-in-time snapshot.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Level:         c.level,
		Limit:         c.limit,
		Acquired:      c.acquired,
		MaxConcurrent: c.maxConcurrent,
		MaxQueueDepth: c.maxQueueDepth,
		SuccessRate:   c.successRate(),
		Accepted:      c.accepted,
		Rejected:      c.rejected,
	}
}

// CurrentLevel returns the current load classification.
func (c *Controller) CurrentLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}
