package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// State is the breaker position.
type State = gobreaker.State

// Breaker positions.
const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// CircuitBreaker guards calls to a backing store. Once FailureThreshold
// consecutive calls fail it rejects every call with ErrCircuitOpen for
// OpenDuration, then lets HalfOpenProbes calls through to test recovery.
// Caller cancellation is not counted as a store failure.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker[struct{}]
	name string
}

// NewCircuitBreaker returns a closed breaker named after the store it guards.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *zerolog.Logger) *CircuitBreaker {
	threshold := uint32(cfg.GetFailureThreshold()) //nolint:gosec // getters never return negatives
	probes := uint32(cfg.GetHalfOpenProbes())      //nolint:gosec // getters never return negatives
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &CircuitBreaker{
		name: name,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        name,
			MaxRequests: probes,
			Timeout:     cfg.GetOpenDuration(),
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= threshold },
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(store string, from, to gobreaker.State) {
				ev := logger.Info()
				if to == gobreaker.StateOpen {
					ev = logger.Warn()
				}
				ev.Str("store", store).Stringer("from", from).Stringer("to", to).Msg("store breaker changed state")
			},
		}),
	}
}

// Execute runs fn when the breaker admits it and records the outcome. fn's
// error is returned unchanged. A nil breaker runs fn unguarded.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, c.name)
	}
	return err
}

// State returns the breaker position. A nil breaker is always closed.
func (c *CircuitBreaker) State() State {
	if c == nil {
		return StateClosed
	}
	return c.cb.State()
}

// Name returns the guarded store's name.
func (c *CircuitBreaker) Name() string {
	return c.name
}
