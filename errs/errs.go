// Package errs holds the error taxonomy shared by the sampling, adaptation and
// training packages. Callers wrap these sentinels with fmt.Errorf("...: %w")
// and match them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for invalid or contradictory configuration. It is
	// fatal and surfaces before training starts.
	ErrConfig = errors.New("invalid configuration")

	// ErrDataUnavailable is returned when the underlying raster or vector
	// source cannot produce data for a requested window.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrSamplingExhausted is returned when the balancing policy cannot find a
	// qualifying window within its retry budget.
	ErrSamplingExhausted = errors.New("sampling retries exhausted")

	// ErrNumericInstability is returned when a loss value is NaN or Inf.
	ErrNumericInstability = errors.New("numeric instability")
)

// Configf wraps ErrConfig with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConfig)
}

// Unavailablef wraps ErrDataUnavailable with a formatted message.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrDataUnavailable)
}
