//go:build windows

package input

import (
	"context"
	"time"

	"golang.org/x/sys/windows"

	"github.com/GriffinCanCode/skillloop/internal/trace"
)

const keyEventKeyUp = 0x0002

var (
	user32     = windows.NewLazySystemDLL("user32.dll")
	keybdEvent = user32.NewProc("keybd_event")
)

type win32Presser struct{}

func newNative() (Presser, error) {
	if err := keybdEvent.Find(); err != nil {
		return nil, err
	}
	return win32Presser{}, nil
}

// Press sends key down, holds, then key up. The key is always released,
// even when ctx ends during the hold.
func (win32Presser) Press(ctx context.Context, key int) bool {
	if key <= 0 || key > 0xFE {
		trace.Logger(ctx).Warn("key press failed", "key", KeyName(key), "error", "key code out of range")
		return false
	}
	keybdEvent.Call(uintptr(key), 0, 0, 0)

	hold := time.NewTimer(HoldDuration)
	select {
	case <-hold.C:
	case <-ctx.Done():
		hold.Stop()
	}

	keybdEvent.Call(uintptr(key), 0, keyEventKeyUp, 0)
	return true
}
