package rotation

import (
	"context"
	"errors"
	"image"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/skillloop/internal/cache"
	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/input"
	"github.com/GriffinCanCode/skillloop/internal/pool"
	"github.com/GriffinCanCode/skillloop/internal/screen"
	"github.com/GriffinCanCode/skillloop/internal/skill"
	"github.com/GriffinCanCode/skillloop/internal/syncx"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Evaluator scores a probe against a captured image.
type Evaluator interface {
	Evaluate(ctx context.Context, img *image.RGBA, p skill.Probe) skill.Result
}

// forgetter is implemented by evaluators holding per-skill state.
type forgetter interface {
	Forget(keep []skill.Probe)
}

// Pacer sleeps between ticks.
type Pacer interface {
	Wait(ctx context.Context, hint time.Duration) (time.Duration, error)
}

// Deps are the collaborators the coordinator drives. The coordinator does not
// own them; closing the pool and stopping cache loops is the caller's job.
type Deps struct {
	Capturer  screen.Capturer
	Evaluator Evaluator
	Presser   input.Presser
	Pool      *pool.Pool
	Images    *cache.Cache[string, *image.RGBA]
	Results   *cache.Cache[string, skill.Result]
	Pacer     Pacer
}

// Config holds coordinator settings.
type Config struct {
	TickTimeout time.Duration
	EventBuffer int
}

// Action is the last key press attempted.
type Action struct {
	SkillID    string    `json:"skill_id"`
	Key        string    `json:"key"`
	Confidence float64   `json:"confidence"`
	Pressed    bool      `json:"pressed"`
	At         time.Time `json:"at"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State         State                    `json:"state"`
	RunID         string                   `json:"run_id,omitempty"`
	Version       uint64                   `json:"version"`
	Probes        int                      `json:"probes"`
	Enabled       int                      `json:"enabled"`
	Cooldowns     map[string]time.Duration `json:"cooldowns,omitempty"`
	LastAction    *Action                  `json:"last_action,omitempty"`
	Metrics       Metrics                  `json:"metrics"`
	DroppedEvents uint64                   `json:"dropped_events"`
}

// Coordinator runs detection ticks and presses at most one key per tick.
type Coordinator struct {
	cfg    Config
	deps   Deps
	probes *syncx.Versioned[skill.Set]

	mu         sync.Mutex
	state      State
	runID      string
	inflight   chan struct{} // non-nil while a tick runs, closed when it ends
	changed    chan struct{} // closed on every state change
	cooldowns  map[string]time.Time
	lastAction *Action
	wasIdle    bool

	metrics recorder
	events  *eventBus
	now     func() time.Time
}

// New creates a stopped coordinator serving set.
func New(cfg Config, deps Deps, set skill.Set) *Coordinator {
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	return &Coordinator{
		cfg:       cfg,
		deps:      deps,
		probes:    syncx.NewVersioned(set),
		changed:   make(chan struct{}),
		cooldowns: make(map[string]time.Time),
		events:    newEventBus(cfg.EventBuffer),
		now:       time.Now,
	}
}

// Events delivers coordinator events. There is one stream; it is meant for a
// single consumer that fans out.
func (c *Coordinator) Events() <-chan Event { return c.events.ch }

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch returns the current state and a channel closed on the next change.
func (c *Coordinator) Watch() (State, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.changed
}

// Probes returns the active probe set and its version.
func (c *Coordinator) Probes() (skill.Set, uint64) { return c.probes.Load() }

// setStateLocked changes state and wakes the run loop.
func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) emitState(s State, runID string) {
	c.events.emit(Event{Type: EventState, Time: c.now(), RunID: runID, State: s})
}

func conflict(op string, s State) error {
	return apperrors.Newf(apperrors.StateConflict, "cannot %s while %s", op, s).WithMetadata("state", s.String())
}

// Start moves Stopped to Running with fresh counters and a new run id.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Stopped {
		s := c.state
		c.mu.Unlock()
		return conflict("start", s)
	}
	c.runID = uuid.NewString()
	clear(c.cooldowns)
	c.lastAction = nil
	c.wasIdle = false
	c.metrics.reset(c.now())
	c.setStateLocked(Running)
	runID := c.runID
	c.mu.Unlock()

	trace.Logger(ctx).Info("rotation started", "run_id", runID)
	c.emitState(Running, runID)
	return nil
}

// Stop moves any state to Stopped and waits for a running tick to finish.
// Stopping a stopped coordinator is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Stopped)
	runID := c.runID
	inflight := c.inflight
	c.mu.Unlock()

	err := waitTick(ctx, inflight)
	if err != nil {
		trace.Logger(ctx).Warn("rotation stopped with a tick still running", "run_id", runID, "error", err)
	} else {
		trace.Logger(ctx).Info("rotation stopped", "run_id", runID, "ticks", c.metrics.snapshot().Ticks)
	}
	c.emitState(Stopped, runID)
	return err
}

// Pause moves Running to Paused. Ticks are skipped until Resume.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.toggle(ctx, "pause", Running, Paused)
}

// Resume moves Paused back to Running.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.toggle(ctx, "resume", Paused, Running)
}

func (c *Coordinator) toggle(ctx context.Context, op string, from, to State) error {
	c.mu.Lock()
	if c.state != from {
		s := c.state
		c.mu.Unlock()
		return conflict(op, s)
	}
	c.setStateLocked(to)
	runID := c.runID
	c.mu.Unlock()

	trace.Logger(ctx).Info("rotation "+to.String(), "run_id", runID)
	c.emitState(to, runID)
	return nil
}

// Reload waits for the current tick, then swaps in set and drops cached
// results. It holds the tick slot while swapping, so no tick sees a
// half-applied reload. Returns the new probe set version.
func (c *Coordinator) Reload(ctx context.Context, set skill.Set) (uint64, error) {
	release, err := c.acquireSlot(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	version := c.probes.Store(set)
	c.deps.Results.Clear()
	if f, ok := c.deps.Evaluator.(forgetter); ok {
		f.Forget(set.Probes)
	}

	keep := make(map[string]struct{}, len(set.Probes))
	for _, p := range set.Probes {
		keep[p.ID] = struct{}{}
	}
	c.mu.Lock()
	for id := range c.cooldowns {
		if _, ok := keep[id]; !ok {
			delete(c.cooldowns, id)
		}
	}
	runID, state := c.runID, c.state
	c.mu.Unlock()

	trace.Logger(ctx).Info("probe set reloaded", "version", version, "probes", len(set.Probes), "enabled", len(set.Enabled()))
	c.events.emit(Event{Type: EventReload, Time: c.now(), RunID: runID, State: state, Version: version})
	return version, nil
}

// acquireSlot waits until no tick runs and claims the slot; ticks started
// while it is held are skipped.
func (c *Coordinator) acquireSlot(ctx context.Context) (release func(), err error) {
	for {
		c.mu.Lock()
		inflight := c.inflight
		if inflight == nil {
			done := make(chan struct{})
			c.inflight = done
			c.mu.Unlock()
			return func() { c.releaseSlot(done) }, nil
		}
		c.mu.Unlock()
		if err := waitTick(ctx, inflight); err != nil {
			return nil, err
		}
	}
}

func (c *Coordinator) releaseSlot(done chan struct{}) {
	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(done)
}

func waitTick(ctx context.Context, inflight <-chan struct{}) error {
	if inflight == nil {
		return nil
	}
	select {
	case <-inflight:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.Timeout, "waiting for tick")
	}
}

// Run drives ticks until ctx ends. While not Running it blocks on state
// changes. The pacer is consulted after every tick, idle or not.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, wake := c.state, c.changed
		c.mu.Unlock()

		if state != Running {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
				continue
			}
		}

		c.Tick(ctx)
		if _, err := c.deps.Pacer.Wait(ctx, 0); err != nil && ctx.Err() != nil {
			return nil
		}
	}
}

type pending struct {
	idx int
	fut *pool.Future[skill.Result]
}

// Tick runs one detection pass. It is skipped unless Running and no other
// tick is in progress.
func (c *Coordinator) Tick(ctx context.Context) TickReport {
	c.mu.Lock()
	if c.state != Running || c.inflight != nil {
		c.mu.Unlock()
		return TickReport{Skipped: true}
	}
	done := make(chan struct{})
	c.inflight = done
	runID := c.runID
	gen := c.metrics.generation()
	c.mu.Unlock()
	defer c.releaseSlot(done)

	ctx, span := trace.StartSpan(ctx, "rotation.tick")
	defer span.End()
	log := trace.Logger(ctx)

	start := c.now()
	set, version := c.probes.Load()
	var rep TickReport

	results := make([]skill.Result, len(set.Probes))
	var outstanding []pending
	work := context.WithoutCancel(ctx)
	for i, p := range set.Probes {
		if !p.Enabled || c.coolingDown(p.ID, start) {
			continue
		}
		key := resultKey(version, p.ID)
		if r, ok := c.deps.Results.Get(key); ok {
			rep.CacheHits++
			results[i] = r
			continue
		}
		outstanding = append(outstanding, pending{idx: i, fut: pool.Submit(c.deps.Pool, func() (skill.Result, error) {
			return c.evaluate(work, set, p, key, gen)
		})})
		rep.Submitted++
	}

	tickCtx, cancel := context.WithTimeout(ctx, c.cfg.TickTimeout)
	defer cancel()
	for _, o := range outstanding {
		r, err := await(tickCtx, o.fut)
		switch {
		case err == nil:
			results[o.idx] = r
		case errors.Is(err, context.DeadlineExceeded):
			rep.Timeouts++
		case apperrors.IsCode(err, apperrors.CaptureInvalidRegion), apperrors.IsCode(err, apperrors.CaptureDeviceUnavailable):
			rep.CaptureFailures++
		default:
			log.Warn("probe evaluation failed", "skill", set.Probes[o.idx].ID, "error", err)
		}
	}
	if rep.Timeouts > 0 {
		err := apperrors.Newf(apperrors.TickTimeout, "%d evaluations unresolved after %v", rep.Timeouts, c.cfg.TickTimeout)
		span.RecordError(err)
		log.Debug("tick timeout", "error", err)
	}
	if rep.CaptureFailures > 0 {
		log.Debug("capture failed, probes treated as misses", "count", rep.CaptureFailures)
	}

	if i := SelectProbe(set.Probes, results); i >= 0 {
		p := set.Probes[i]
		rep.Selected, rep.Key, rep.Confidence = p.ID, p.Key, results[i].Confidence
		rep.Pressed = c.deps.Presser.Press(ctx, p.Key)
		if rep.Pressed {
			c.markUsed(p, c.now())
		} else {
			log.Warn("action failed", "skill", p.ID, "key", input.KeyName(p.Key))
		}
	}

	rep.Duration = c.now().Sub(start)
	c.metrics.tick(gen, rep)
	span.SetAttr("submitted", rep.Submitted)
	span.SetAttr("cache_hits", rep.CacheHits)
	span.SetAttr("selected", rep.Selected)
	c.publish(rep, runID)
	return rep
}

// await prefers a resolved future over an expired tick deadline.
func await(ctx context.Context, f *pool.Future[skill.Result]) (skill.Result, error) {
	if f.Ready() {
		return f.Await(context.Background())
	}
	return f.Await(ctx)
}

// evaluate runs on a worker. A successful evaluation is cached even when the
// tick that asked for it has already given up on it; it is counted only
// while run generation gen is current.
func (c *Coordinator) evaluate(ctx context.Context, set skill.Set, p skill.Probe, key string, gen uint64) (skill.Result, error) {
	region := set.CaptureRect(p)
	img, err := c.deps.Images.GetOrCompute(skill.RegionKey(region), region, func(r image.Rectangle) (*image.RGBA, error) {
		return c.deps.Capturer.Capture(ctx, r)
	}, 0)
	if err != nil {
		return skill.Miss(p.ID), err
	}

	c.metrics.matcherCall(gen)
	res := c.deps.Evaluator.Evaluate(ctx, img, p)
	c.deps.Results.Put(key, res, p.Rect)
	return res, nil
}

// SelectProbe returns the index of the highest-priority passing probe.
// Earlier declarations win ties. Returns -1 when nothing passed.
func SelectProbe(probes []skill.Probe, results []skill.Result) int {
	best := -1
	for i, r := range results {
		if !r.Decision {
			continue
		}
		if best < 0 || probes[i].Priority > probes[best].Priority {
			best = i
		}
	}
	return best
}

// resultKey scopes cached results to a probe set version, so results computed
// against a replaced set are never served.
func resultKey(version uint64, id string) string {
	return strconv.FormatUint(version, 10) + "/" + id
}

func (c *Coordinator) coolingDown(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[id]
	return ok && now.Before(until)
}

func (c *Coordinator) markUsed(p skill.Probe, now time.Time) {
	if p.Cooldown <= 0 {
		return
	}
	c.mu.Lock()
	c.cooldowns[p.ID] = now.Add(p.Cooldown)
	c.mu.Unlock()
}

func (c *Coordinator) publish(rep TickReport, runID string) {
	now := c.now()
	if rep.Selected == "" {
		c.mu.Lock()
		first := !c.wasIdle
		c.wasIdle = true
		state := c.state
		c.mu.Unlock()
		if first {
			c.events.emit(Event{Type: EventIdle, Time: now, RunID: runID, State: state, Duration: rep.Duration})
		}
		return
	}

	a := &Action{SkillID: rep.Selected, Key: input.KeyName(rep.Key), Confidence: rep.Confidence, Pressed: rep.Pressed, At: now}
	c.mu.Lock()
	c.wasIdle = false
	c.lastAction = a
	state := c.state
	c.mu.Unlock()
	c.events.emit(Event{
		Type: EventAction, Time: now, RunID: runID, State: state,
		SkillID: a.SkillID, Key: a.Key, Confidence: a.Confidence, Pressed: a.Pressed, Duration: rep.Duration,
	})
}

// Metrics returns counters since the last Start.
func (c *Coordinator) Metrics() Metrics { return c.metrics.snapshot() }

// Status returns a snapshot for control surfaces.
func (c *Coordinator) Status() Status {
	set, version := c.probes.Load()
	now := c.now()

	c.mu.Lock()
	st := Status{
		State:      c.state,
		RunID:      c.runID,
		Version:    version,
		Probes:     len(set.Probes),
		Enabled:    len(set.Enabled()),
		LastAction: c.lastAction,
	}
	for id, until := range c.cooldowns {
		if left := until.Sub(now); left > 0 {
			if st.Cooldowns == nil {
				st.Cooldowns = make(map[string]time.Duration)
			}
			st.Cooldowns[id] = left
		}
	}
	c.mu.Unlock()

	st.Metrics = c.metrics.snapshot()
	st.DroppedEvents = c.events.dropped.Load()
	return st
}
