// Package input emits key presses.
package input

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Presser emits one press-and-release of a key. Failures are logged by the
// implementation and reported as false.
type Presser interface {
	Press(ctx context.Context, key int) bool
}

// Backend names accepted by New.
const (
	BackendNative = "native"
	BackendDryRun = "dry-run"
)

// HoldDuration is the time between key down and key up where the backend
// controls both edges.
const HoldDuration = 50 * time.Millisecond

// New returns the presser for backend.
func New(backend string) (Presser, error) {
	switch strings.ToLower(backend) {
	case "", BackendNative:
		return newNative()
	case BackendDryRun, "log":
		return &Recorder{}, nil
	}
	return nil, apperrors.Newf(apperrors.ConfigInvalid, "unknown key backend %q", backend)
}

// Recorder logs presses without touching the keyboard.
type Recorder struct {
	mu      sync.Mutex
	pressed []int
	Fail    bool // report every press as failed
}

// Press implements Presser.
func (r *Recorder) Press(ctx context.Context, key int) bool {
	r.mu.Lock()
	r.pressed = append(r.pressed, key)
	r.mu.Unlock()
	trace.Logger(ctx).Info("key press (dry run)", "key", KeyName(key))
	return !r.Fail
}

// Pressed returns the keys pressed so far, in order.
func (r *Recorder) Pressed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pressed...)
}

// runFunc runs an external program.
type runFunc func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return apperrors.Wrapf(err, apperrors.ActionFailed, "%s: %s", name, msg)
		}
		return apperrors.Wrapf(err, apperrors.ActionFailed, "%s failed", name)
	}
	return nil
}

// commandPresser shells out to a desktop automation tool per press.
type commandPresser struct {
	program string
	args    func(key int) ([]string, error)
	run     runFunc
}

func (c *commandPresser) Press(ctx context.Context, key int) bool {
	args, err := c.args(key)
	if err == nil {
		err = c.run(ctx, c.program, args...)
	}
	if err != nil {
		trace.Logger(ctx).Warn("key press failed", "key", KeyName(key), "program", c.program, "error", err)
		return false
	}
	return true
}

func lookupProgram(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "%s not found in PATH", name)
	}
	return nil
}
