package rotation

import (
	"sync"
	"time"
)

// Metrics counts coordinator activity since the last Start.
type Metrics struct {
	Ticks           uint64        `json:"ticks"`
	Actions         uint64        `json:"actions"`
	FailedActions   uint64        `json:"failed_actions"`
	Timeouts        uint64        `json:"timeouts"`
	CaptureFailures uint64        `json:"capture_failures"`
	Submissions     uint64        `json:"submissions"`
	CacheHits       uint64        `json:"cache_hits"`
	MatcherCalls    uint64        `json:"matcher_calls"`
	AvgTick         time.Duration `json:"avg_tick_ns"`
	MinTick         time.Duration `json:"min_tick_ns"`
	MaxTick         time.Duration `json:"max_tick_ns"`
	SuccessRate     float64       `json:"success_rate"` // successful presses over attempted presses
	StartedAt       time.Time     `json:"started_at"`
}

// TickReport describes what one tick did.
type TickReport struct {
	Skipped         bool
	Selected        string // skill id, empty when idle
	Key             int
	Confidence      float64
	Pressed         bool
	Submitted       int
	CacheHits       int
	Timeouts        int
	CaptureFailures int
	Duration        time.Duration
}

// recorder accumulates Metrics for one run. Every reset starts a new
// generation; updates tagged with an older one are dropped, so work left over
// from a stopped run never counts toward the next.
type recorder struct {
	mu        sync.Mutex
	gen       uint64
	m         Metrics
	tickTotal time.Duration
}

func (r *recorder) reset(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.m = Metrics{StartedAt: now}
	r.tickTotal = 0
}

func (r *recorder) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *recorder) matcherCall(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.m.MatcherCalls++
	}
}

func (r *recorder) tick(gen uint64, rep TickReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	m := &r.m
	m.Ticks++
	m.Submissions += uint64(rep.Submitted)
	m.CacheHits += uint64(rep.CacheHits)
	m.Timeouts += uint64(rep.Timeouts)
	m.CaptureFailures += uint64(rep.CaptureFailures)
	if rep.Selected != "" {
		if rep.Pressed {
			m.Actions++
		} else {
			m.FailedActions++
		}
	}

	r.tickTotal += rep.Duration
	if m.Ticks == 1 || rep.Duration < m.MinTick {
		m.MinTick = rep.Duration
	}
	m.MaxTick = max(m.MaxTick, rep.Duration)
}

func (r *recorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.m
	if m.Ticks > 0 {
		m.AvgTick = r.tickTotal / time.Duration(m.Ticks)
	}
	if attempts := m.Actions + m.FailedActions; attempts > 0 {
		m.SuccessRate = float64(m.Actions) / float64(attempts)
	}
	return m
}
