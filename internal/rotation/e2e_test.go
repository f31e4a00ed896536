package rotation

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/screen"
	"github.com/GriffinCanCode/skillloop/internal/skill"
)

func TestSingleProbePressOnceThenCacheHit(t *testing.T) {
	h := newHarness(t, map[string]float64{"a": 0.9}, []skill.Probe{probe("a", 0x51, 1)})
	ctx := context.Background()
	require.NoError(t, h.coord.Start(ctx))

	rep := h.coord.Tick(ctx)
	assert.Equal(t, "a", rep.Selected)
	assert.True(t, rep.Pressed)
	assert.Equal(t, []int{0x51}, h.presser.Pressed(), "exactly one press")
	require.EqualValues(t, 1, h.eval.calls.Load())

	rep = h.coord.Tick(ctx)
	assert.EqualValues(t, 1, h.eval.calls.Load(), "second tick within TTL must not evaluate")
	assert.Equal(t, 1, rep.CacheHits)
	assert.Zero(t, rep.Submitted)
}

func TestHigherPriorityAlwaysWins(t *testing.T) {
	probes := []skill.Probe{probe("b", 0x45, 1), probe("a", 0x51, 5)}
	h := newHarness(t, map[string]float64{"a": 0.9, "b": 0.95}, probes)
	ctx := context.Background()
	require.NoError(t, h.coord.Start(ctx))

	for i := 0; i < 5; i++ {
		rep := h.coord.Tick(ctx)
		require.Equal(t, "a", rep.Selected, "tick %d", i)
	}
	for _, k := range h.presser.Pressed() {
		assert.Equal(t, 0x51, k)
	}
}

func TestDeviceUnavailableNeverSelects(t *testing.T) {
	unavailable := screen.CapturerFunc(func(context.Context, image.Rectangle) (*image.RGBA, error) {
		return nil, apperrors.New(apperrors.CaptureDeviceUnavailable, "no display")
	})
	h := newHarness(t, map[string]float64{"a": 0.9}, []skill.Probe{probe("a", 0x51, 1)}, withCapturer(unavailable))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.coord.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	require.Eventually(t, func() bool { return h.coord.Metrics().Ticks >= 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	m := h.coord.Metrics()
	assert.Zero(t, m.Actions)
	assert.Zero(t, m.FailedActions)
	assert.GreaterOrEqual(t, m.CaptureFailures, uint64(5))
	assert.Empty(t, h.presser.Pressed())
	assert.Zero(t, h.eval.calls.Load())
}

func TestPauseStopsSubmissionsAndRestartResets(t *testing.T) {
	h := newHarness(t, map[string]float64{"a": 0.9}, []skill.Probe{probe("a", 0x51, 1)})
	ctx := context.Background()
	require.NoError(t, h.coord.Start(ctx))

	h.coord.Tick(ctx)
	before := h.coord.Metrics()
	require.EqualValues(t, 1, before.Submissions)

	require.NoError(t, h.coord.Pause(ctx))
	h.results.Clear()
	for i := 0; i < 3; i++ {
		assert.True(t, h.coord.Tick(ctx).Skipped)
	}
	assert.Equal(t, before.Submissions, h.coord.Metrics().Submissions, "no submissions while paused")
	assert.EqualValues(t, 1, h.eval.calls.Load())

	require.NoError(t, h.coord.Resume(ctx))
	rep := h.coord.Tick(ctx)
	assert.Equal(t, 1, rep.Submitted)

	require.NoError(t, h.coord.Stop(ctx))
	require.NoError(t, h.coord.Start(ctx))
	m := h.coord.Metrics()
	assert.Zero(t, m.Ticks)
	assert.Zero(t, m.Actions)
	assert.Zero(t, m.Submissions)
	assert.Zero(t, m.MatcherCalls)
}

func TestStopWaitsForTick(t *testing.T) {
	h := newHarness(t, map[string]float64{"a": 0.9}, []skill.Probe{probe("a", 0x51, 1)})
	h.eval.delay = 50 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, h.coord.Start(ctx))

	ticked := make(chan TickReport, 1)
	go func() { ticked <- h.coord.Tick(ctx) }()
	require.Eventually(t, func() bool { return h.eval.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.coord.Stop(ctx))
	assert.EqualValues(t, 1, h.coord.Metrics().Ticks, "Stop returned before the in-flight tick finished")
	assert.Equal(t, Stopped, h.coord.State())

	select {
	case rep := <-ticked:
		assert.Equal(t, "a", rep.Selected, "in-flight tick completes")
	case <-time.After(time.Second):
		t.Fatal("tick never returned")
	}
}
