package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/skillloop/internal/cache"
	"github.com/GriffinCanCode/skillloop/internal/config"
	"github.com/GriffinCanCode/skillloop/internal/control"
	"github.com/GriffinCanCode/skillloop/internal/input"
	"github.com/GriffinCanCode/skillloop/internal/matcher"
	"github.com/GriffinCanCode/skillloop/internal/pacing"
	"github.com/GriffinCanCode/skillloop/internal/pool"
	"github.com/GriffinCanCode/skillloop/internal/resilience"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/screen"
	"github.com/GriffinCanCode/skillloop/internal/server"
	"github.com/GriffinCanCode/skillloop/internal/skill"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Option customises a Manager.
type Option func(*Manager)

// WithCapturer replaces the capture source chosen by configuration.
func WithCapturer(c screen.Capturer) Option { return func(m *Manager) { m.capturer = c } }

// WithPresser replaces the key backend chosen by configuration.
func WithPresser(p input.Presser) Option { return func(m *Manager) { m.presser = p } }

// WithTemplates replaces the template source, normally the filesystem.
func WithTemplates(src matcher.TemplateSource) Option {
	return func(m *Manager) { m.templates = src }
}

// Manager owns every engine component and implements the controller
// interfaces of the HTTP and gRPC surfaces.
type Manager struct {
	cfg *config.Config

	capturer  screen.Capturer
	presser   input.Presser
	templates matcher.TemplateSource

	images  *cache.Cache[string, *image.RGBA]
	results *cache.Cache[string, skill.Result]
	pool    *pool.Pool
	matcher *matcher.Matcher
	pacer   *pacing.Controller
	coord   *rotation.Coordinator

	reloadMu sync.Mutex
}

var (
	_ server.Controller  = (*Manager)(nil)
	_ control.Controller = (*Manager)(nil)
)

// New loads the probe file and builds the engine. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg}
	for _, o := range opts {
		o(m)
	}

	set, err := cfg.LoadProbeSet()
	if err != nil {
		return nil, err
	}
	pacingCfg, err := cfg.PacingFor(set)
	if err != nil {
		return nil, err
	}
	if m.capturer == nil {
		if m.capturer, err = newCapturer(cfg); err != nil {
			return nil, err
		}
	}
	if m.presser == nil {
		if m.presser, err = input.New(cfg.KeyBackend); err != nil {
			return nil, err
		}
	}

	m.images = cache.New[string, *image.RGBA](cfg.ImageCache())
	m.results = cache.New[string, skill.Result](cfg.ResultCache())
	m.pool = pool.New(cfg.Pool())
	m.matcher = matcher.New(cfg.Matcher(), m.templates)
	m.pacer = pacing.New(pacingCfg)
	m.coord = rotation.New(rotation.Config{TickTimeout: cfg.TickTimeout}, rotation.Deps{
		Capturer:  m.capturer,
		Evaluator: m.matcher,
		Presser:   m.presser,
		Pool:      m.pool,
		Images:    m.images,
		Results:   m.results,
		Pacer:     m.pacer,
	}, set)
	return m, nil
}

// newCapturer opens the live display behind a breaker, or a screenshot file
// for offline runs.
func newCapturer(cfg *config.Config) (screen.Capturer, error) {
	if cfg.CaptureSource == "" || cfg.CaptureSource == config.CaptureDisplay {
		return screen.NewGuarded(screen.NewDisplay(), resilience.CaptureConfig()), nil
	}
	return screen.LoadStatic(cfg.CaptureSource)
}

// Coordinator exposes the rotation engine.
func (m *Manager) Coordinator() *rotation.Coordinator { return m.coord }

func (m *Manager) Status() rotation.Status { return m.coord.Status() }
func (m *Manager) Watch() (rotation.State, <-chan struct{}) { return m.coord.Watch() }
func (m *Manager) Start(ctx context.Context) error { return m.coord.Start(ctx) }
func (m *Manager) Stop(ctx context.Context) error { return m.coord.Stop(ctx) }
func (m *Manager) Pause(ctx context.Context) error { return m.coord.Pause(ctx) }
func (m *Manager) Resume(ctx context.Context) error { return m.coord.Resume(ctx) }

// Reload re-reads the probe file and swaps it into the coordinator, then
// retunes the pacer and drops its latency history. A file that fails
// validation leaves the current set and pacing in place.
func (m *Manager) Reload(ctx context.Context) (uint64, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	set, err := m.cfg.LoadProbeSet()
	if err != nil {
		return 0, err
	}
	pc, err := m.cfg.PacingFor(set)
	if err != nil {
		return 0, err
	}
	version, err := m.coord.Reload(ctx, set)
	if err != nil {
		return 0, err
	}
	m.pacer.SetParams(pc.Base, pc.Min, pc.Max, pc.AdjustmentFactor)
	m.pacer.Reset()
	trace.Logger(ctx).Debug("pacing reset", "base", pc.Base, "min", pc.Min, "max", pc.Max, "factor", pc.AdjustmentFactor)
	return version, nil
}

// Run starts the engine loops and the configured surfaces, and blocks until
// ctx ends or one of them fails. The rotation is stopped and the pool closed
// before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	log := trace.Logger(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { m.images.Run(ctx); return nil })
	g.Go(func() error { m.results.Run(ctx); return nil })
	g.Go(func() error { m.pool.Run(ctx); return nil })
	g.Go(func() error { return m.coord.Run(ctx) })
	g.Go(func() error { return m.reloadOnSignal(ctx) })

	if m.cfg.WatchProbes {
		w := config.NewWatcher(m.cfg.ProbesFile, ReloadDebounce, func(ctx context.Context) error {
			_, err := m.Reload(ctx)
			return err
		})
		g.Go(func() error { return w.Run(ctx) })
	}

	if m.cfg.HTTPAddr != "" {
		srv := server.New(m)
		g.Go(func() error { return srv.Broadcast(ctx, m.coord.Events()) })
		g.Go(func() error { return srv.ListenAndServe(ctx, m.cfg.HTTPAddr) })
	}
	if m.cfg.GRPCAddr != "" {
		svc := control.NewService(m)
		g.Go(func() error { return svc.WatchHealth(ctx) })
		g.Go(func() error { return control.ListenAndServe(ctx, control.NewServer(svc), m.cfg.GRPCAddr) })
	}

	set, version := m.coord.Probes()
	log.Info("engine ready",
		"probes", len(set.Probes), "enabled", len(set.Enabled()), "version", version,
		"http", m.cfg.HTTPAddr, "grpc", m.cfg.GRPCAddr, "workers", m.pool.Size())

	if m.cfg.AutoStart {
		if err := m.coord.Start(ctx); err != nil {
			log.Error("auto start failed", "error", err)
		}
	}

	err := g.Wait()
	m.shutdown(context.WithoutCancel(ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reloadOnSignal reloads the probe file on SIGHUP.
func (m *Manager) reloadOnSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			version, err := m.Reload(ctx)
			if err != nil {
				trace.Logger(ctx).Error("reload on SIGHUP failed", "error", err)
				continue
			}
			trace.Logger(ctx).Info("reloaded on SIGHUP", "version", version)
		}
	}
}

func (m *Manager) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	log := trace.Logger(ctx)

	if err := m.coord.Stop(ctx); err != nil {
		log.Warn("stop rotation", "error", err)
	}
	m.pool.Close()

	st := m.coord.Metrics()
	log.Info("shutdown complete",
		"ticks", st.Ticks, "actions", st.Actions, "success_rate", fmt.Sprintf("%.2f", st.SuccessRate),
		"image_cache", m.images.Stats(), "result_cache", m.results.Stats(),
		"pool", m.pool.Stats(), "matcher", m.matcher.Stats(), "pacing", m.pacer.Stats())
}
