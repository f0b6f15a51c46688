package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a missing or invalid parameter, reported before any work starts.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrResourceExhausted marks a chunk that does not fit the memory ceiling.
	// Callers may retry with a smaller chunk size.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrFitFailed marks an ROI whose optimisation did not converge.
	ErrFitFailed = errors.New("fit failed")

	// ErrShape marks an array with unexpected dimensionality or extent.
	ErrShape = errors.New("unexpected shape")

	// ErrFormat marks a file that could be read but not parsed.
	ErrFormat = errors.New("malformed file")

	// ErrStageNotRun is returned when a stage is asked for output of a stage that has not run.
	ErrStageNotRun = errors.New("stage has not run")
)

// ConfigError names the offending parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, ErrConfiguration)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// FileError carries the path of a file that could not be read or parsed.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// ResourceError reports how much memory a chunk needs against the ceiling.
type ResourceError struct {
	Op    string
	Need  uint64
	Limit uint64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s needs %d bytes, ceiling is %d: %v", e.Op, e.Need, e.Limit, ErrResourceExhausted)
}

func (e *ResourceError) Unwrap() error { return ErrResourceExhausted }

// Positive returns a ConfigError when value is not strictly positive.
func Positive(field string, value float64) error {
	if !(value > 0) {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("must be positive, got %g", value)}
	}
	return nil
}
