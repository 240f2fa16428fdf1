package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoPools is reported when routing defines no provider pool.
var ErrNoPools = errors.New("config: routing.pools must define at least one pool")

// InvalidWeightError is returned when a provider weight is negative.
type InvalidWeightError struct {
	Provider string
	Weight   int
}

func (e InvalidWeightError) Error() string {
	return fmt.Sprintf("config: provider %s weight must be >= 0, got %d", e.Provider, e.Weight)
}

// ValidationError collects every problem found by Validate so one run reports
// them all.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "config validation failed"
	case 1:
		return "config validation failed: " + e.Errors[0]
	default:
		return fmt.Sprintf("config validation failed with %d errors:\n  - %s",
			len(e.Errors), strings.Join(e.Errors, "\n  - "))
	}
}

// Addf appends a formatted problem.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Add appends a problem.
func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

// HasErrors reports whether any problem was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns e when it holds problems, otherwise nil.
func (e *ValidationError) ToError() error {
	if e.HasErrors() {
		return e
	}
	return nil
}
