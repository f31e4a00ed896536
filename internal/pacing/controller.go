package pacing

import (
	"context"
	"math"
	"sync"
	"time"
)

// Config holds delay controller parameters.
type Config struct {
	Base               time.Duration
	Min                time.Duration
	Max                time.Duration
	HistorySize        int
	AdjustmentFactor   float64
	StabilityThreshold time.Duration
	TrendWeight        float64
}

// DefaultConfig returns the standard pacing parameters.
func DefaultConfig() Config {
	return Config{
		Base:               DefaultBase,
		Min:                DefaultMin,
		Max:                DefaultMax,
		HistorySize:        DefaultHistorySize,
		AdjustmentFactor:   DefaultAdjustmentFactor,
		StabilityThreshold: DefaultStabilityThreshold,
		TrendWeight:        DefaultTrendWeight,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Min <= 0 {
		c.Min = d.Min
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.AdjustmentFactor <= 0 {
		c.AdjustmentFactor = d.AdjustmentFactor
	}
	c.AdjustmentFactor = clampFloat(c.AdjustmentFactor, MinAdjustmentFactor, MaxAdjustmentFactor)
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = d.StabilityThreshold
	}
	if c.TrendWeight < 0 {
		c.TrendWeight = 0
	}
	return c
}

// Stats is a snapshot of controller activity.
type Stats struct {
	Calls        int64
	TotalDelay   time.Duration
	MeanResponse time.Duration
	MeanDelay    time.Duration
	LastResponse time.Duration
	Samples      int
	Config       Config
}

// Controller derives the next loop delay from a bounded window of observed latencies.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	latencies  *window
	delays     *window
	calls      int64
	totalDelay time.Duration
	last       time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a controller.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:       cfg,
		latencies: newWindow(cfg.HistorySize),
		delays:    newWindow(DelayHistorySize),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// WithClock replaces the time source and sleeper; used by tests.
func (c *Controller) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.sleep = sleep
	return c
}

// Next computes the next delay without sleeping. A positive hint is an
// expected response time that is blended with the historical mean.
func (c *Controller) Next(hint time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hint > 0 {
		return c.fromHint(hint)
	}
	return c.adaptive()
}

// Wait sleeps for Next(hint) and records how long the sleep actually took.
// It returns the requested delay, or ctx.Err() if cancelled before it elapsed.
func (c *Controller) Wait(ctx context.Context, hint time.Duration) (time.Duration, error) {
	d := c.Next(hint)

	c.mu.Lock()
	now, sleep := c.now, c.sleep
	c.mu.Unlock()

	start := now()
	if err := sleep(ctx, d); err != nil {
		return d, err
	}
	c.record(d, now().Sub(start))
	return d, nil
}

func (c *Controller) record(requested, actual time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies.push(actual.Seconds())
	if requested > 0 {
		c.delays.push(requested.Seconds())
		c.calls++
		c.totalDelay += requested
	}
	c.last = actual
}

func (c *Controller) adaptive() time.Duration {
	if c.latencies.len() == 0 {
		return c.clamp(c.cfg.Base)
	}
	mean := c.latencies.mean()

	// Fewer than a full short window counts as unstable.
	stable := false
	if c.latencies.len() >= ShortWindow {
		stable = c.latencies.stddevLast(ShortWindow) < c.cfg.StabilityThreshold.Seconds()
	}

	delay := mean * c.cfg.AdjustmentFactor
	if stable {
		delay *= StableScale
	} else {
		delay *= UnstableScale
	}

	if c.latencies.len() >= TrendWindow {
		delay *= 1 + c.cfg.TrendWeight*c.latencies.trend(TrendWindow)
	}
	return c.clamp(seconds(delay))
}

func (c *Controller) fromHint(hint time.Duration) time.Duration {
	delay := hint.Seconds() * c.cfg.AdjustmentFactor
	if c.latencies.len() > 0 {
		delay = HintWeight*delay + HistoryWeight*c.latencies.mean()
	}
	return c.clamp(seconds(delay))
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	return min(max(d, c.cfg.Min), c.cfg.Max)
}

// SetParams updates bounds and the adjustment factor at runtime. Zero values are left unchanged.
func (c *Controller) SetParams(base, minDelay, maxDelay time.Duration, factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base > 0 {
		c.cfg.Base = base
	}
	if minDelay > 0 {
		c.cfg.Min = minDelay
	}
	if maxDelay > 0 {
		c.cfg.Max = maxDelay
	}
	if c.cfg.Max < c.cfg.Min {
		c.cfg.Max = c.cfg.Min
	}
	if factor > 0 {
		c.cfg.AdjustmentFactor = clampFloat(factor, MinAdjustmentFactor, MaxAdjustmentFactor)
	}
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Calls:        c.calls,
		TotalDelay:   c.totalDelay,
		MeanResponse: seconds(c.latencies.mean()),
		MeanDelay:    seconds(c.delays.mean()),
		LastResponse: c.last,
		Samples:      c.latencies.len(),
		Config:       c.cfg,
	}
}

// Reset clears history and counters.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = newWindow(c.cfg.HistorySize)
	c.delays = newWindow(DelayHistorySize)
	c.calls = 0
	c.totalDelay = 0
	c.last = 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func seconds(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
