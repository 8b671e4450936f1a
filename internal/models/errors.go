package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData means the series is too short for a detector. It is
	// never fatal; detectors report it as an empty run.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrModelTraining wraps any failure raised while fitting a model.
	ErrModelTraining = errors.New("model training failed")

	// ErrCacheCorruption means a cached model could not be decoded.
	ErrCacheCorruption = errors.New("cached model corrupt")

	// ErrNotFound is returned by stores when no record matches.
	ErrNotFound = errors.New("not found")

	// ErrInvalidSeries rejects malformed input before any detector runs.
	ErrInvalidSeries = errors.New("invalid series")
)

// ConfigurationError rejects invalid settings before any run starts.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
