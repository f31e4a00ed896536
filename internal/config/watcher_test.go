package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	cfg := resilience.ReloadRetryConfig()
	cfg.BaseDelay, cfg.MaxDelay = time.Millisecond, 5*time.Millisecond
	return cfg
}

func startWatcher(t *testing.T, path string, reload func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := NewWatcher(path, 20*time.Millisecond, reload).WithRetry(fastRetry())
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	// let the watch register before writing
	time.Sleep(50 * time.Millisecond)
}

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var reloads atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
	}

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, reloads.Load(), "burst of writes reloads once")
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var reloads atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}

func TestWatcherRetriesPartialWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var attempts atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		if attempts.Add(1) < 3 {
			return apperrors.New(apperrors.ConfigInvalid, "half written")
		}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("b"), 0o644))
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}
