//go:build !linux && !darwin && !windows

package input

import apperrors "github.com/GriffinCanCode/skillloop/internal/errors"

func newNative() (Presser, error) {
	return nil, apperrors.New(apperrors.ConfigInvalid, "native key backend not supported on this platform")
}
