package matcher

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/corona10/goimagehash"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/skill"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Config holds matcher settings.
type Config struct {
	Threshold float64 // used when a probe has no override

	// HashGate reuses the previous confidence for a probe when the
	// difference hash of its rectangle has not moved beyond MaxHashDistance.
	HashGate        bool
	MaxHashDistance int
}

// Stats counts matcher activity.
type Stats struct {
	Evaluations      uint64
	Correlations     uint64
	GateReuses       uint64
	TemplateFailures int
	Templates        int
}

type templateEntry struct {
	path  string
	scale float64
	once  sync.Once
	done  atomic.Bool
	tmpl  *template
	err   error
}

type gateEntry struct {
	hash       *goimagehash.ImageHash
	entry      *templateEntry
	confidence float64
}

// Matcher evaluates probes against captured images. Safe for concurrent use.
type Matcher struct {
	cfg Config
	src TemplateSource

	mu        sync.Mutex
	templates map[string]*templateEntry // by skill id
	gates     map[string]gateEntry

	evaluations  atomic.Uint64
	correlations atomic.Uint64
	gateReuses   atomic.Uint64
}

// New creates a matcher reading templates from src.
func New(cfg Config, src TemplateSource) *Matcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = skill.DefaultThreshold
	}
	if cfg.MaxHashDistance < 0 {
		cfg.MaxHashDistance = DefaultMaxHashDistance
	}
	if src == nil {
		src = FileSource{}
	}
	return &Matcher{
		cfg:       cfg,
		src:       src,
		templates: make(map[string]*templateEntry),
		gates:     make(map[string]gateEntry),
	}
}

// Evaluate scores probe p against img. Invalid rectangles, unresolved templates
// and templates larger than the rectangle produce a zero-confidence miss.
func (m *Matcher) Evaluate(ctx context.Context, img *image.RGBA, p skill.Probe) skill.Result {
	m.evaluations.Add(1)
	res := skill.Miss(p.ID)

	if img == nil || p.Rect.Empty() || !p.Rect.In(img.Bounds()) {
		trace.Logger(ctx).Debug("probe rectangle outside capture", "skill", p.ID, "rect", p.Rect)
		return res
	}

	entry := m.template(ctx, p)
	if entry.err != nil {
		return res
	}
	t := entry.tmpl
	if t.w > p.Rect.Dx() || t.h > p.Rect.Dy() {
		trace.Logger(ctx).Debug("template larger than probe rectangle", "skill", p.ID, "template", image.Pt(t.w, t.h), "rect", p.Rect)
		return res
	}

	var hash *goimagehash.ImageHash
	if m.cfg.HashGate {
		var (
			prev   float64
			reused bool
		)
		hash, prev, reused = m.gate(p, entry, img)
		if reused {
			res.Confidence = prev
			return m.decide(res, p)
		}
	}

	m.correlations.Add(1)
	res.Confidence = correlate(newGrayPlane(img, p.Rect), t)

	if hash != nil {
		m.mu.Lock()
		m.gates[p.ID] = gateEntry{hash: hash, entry: entry, confidence: res.Confidence}
		m.mu.Unlock()
	}
	return m.decide(res, p)
}

func (m *Matcher) decide(res skill.Result, p skill.Probe) skill.Result {
	res.Decision = skill.Decide(res.Confidence, p.ThresholdOr(m.cfg.Threshold))
	if res.Decision {
		res.Key = p.Key
	}
	return res
}

// template returns the loaded template for a probe. A load is attempted once
// per (skill, path, scale); a failure stays cached until the probe changes.
func (m *Matcher) template(ctx context.Context, p skill.Probe) *templateEntry {
	m.mu.Lock()
	e, ok := m.templates[p.ID]
	if !ok || e.path != p.Template || e.scale != p.Scale {
		e = &templateEntry{path: p.Template, scale: p.Scale}
		m.templates[p.ID] = e
		delete(m.gates, p.ID)
	}
	m.mu.Unlock()

	e.once.Do(func() {
		defer e.done.Store(true)
		img, err := m.src.Load(p.Template)
		if err == nil {
			e.tmpl, err = newTemplate(img, p.Scale)
		}
		if err != nil {
			e.err = apperrors.Wrapf(err, apperrors.TemplateLoadFailed, "load template %s", p.Template).WithMetadata("skill", p.ID)
			trace.Logger(ctx).Error("template load failed, skill disabled", "skill", p.ID, "template", p.Template, "error", err)
			return
		}
		trace.Logger(ctx).Debug("template loaded", "skill", p.ID, "template", p.Template, "size", image.Pt(e.tmpl.w, e.tmpl.h))
	})
	return e
}

// gate hashes the probe rectangle and reports whether the previous confidence
// still applies. The hash is returned for storing after a fresh correlation.
func (m *Matcher) gate(p skill.Probe, entry *templateEntry, img *image.RGBA) (*goimagehash.ImageHash, float64, bool) {
	hash, err := goimagehash.DifferenceHash(img.SubImage(p.Rect))
	if err != nil {
		return nil, 0, false
	}
	m.mu.Lock()
	prev, ok := m.gates[p.ID]
	m.mu.Unlock()
	if ok && prev.entry == entry {
		if d, err := hash.Distance(prev.hash); err == nil && d <= m.cfg.MaxHashDistance {
			m.gateReuses.Add(1)
			return hash, prev.confidence, true
		}
	}
	return hash, 0, false
}

// Forget drops cached state for skills not in keep. Called after a probe reload.
func (m *Matcher) Forget(keep []skill.Probe) {
	ids := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		ids[p.ID] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.templates {
		if _, ok := ids[id]; !ok {
			delete(m.templates, id)
			delete(m.gates, id)
		}
	}
}

// TemplateErr returns the load failure recorded for a skill, or nil when its
// template loaded or has not been tried.
func (m *Matcher) TemplateErr(id string) error {
	m.mu.Lock()
	e, ok := m.templates[id]
	m.mu.Unlock()
	if !ok || !e.done.Load() {
		return nil
	}
	return e.err
}

// Stats returns matcher counters.
func (m *Matcher) Stats() Stats {
	m.mu.Lock()
	failures, loaded := 0, 0
	for _, e := range m.templates {
		if !e.done.Load() {
			continue
		}
		switch {
		case e.err != nil:
			failures++
		case e.tmpl != nil:
			loaded++
		}
	}
	m.mu.Unlock()
	return Stats{
		Evaluations:      m.evaluations.Load(),
		Correlations:     m.correlations.Load(),
		GateReuses:       m.gateReuses.Load(),
		TemplateFailures: failures,
		Templates:        loaded,
	}
}
