// Package health tracks upstream provider health and guards backing stores.
//
// The package implements:
//   - A HealthState map (provider name -> healthy, last checked) fed by a probe loop
//   - Fast-fail marking on inline call failures
//   - A circuit breaker (CLOSED -> OPEN -> HALF-OPEN -> CLOSED) used around shared-store calls
//
// Only the probe loop may mark a provider healthy again; inline failures only ever
// mark it unhealthy.
package health

import "time"

// Default configuration values.
const (
	DefaultFailureThreshold = 5     // consecutive failures to open circuit
	DefaultOpenDurationMS   = 30000 // 30 seconds before half-open
	DefaultHalfOpenProbes   = 3     // probes allowed in half-open state
	DefaultProbeIntervalMS  = 30000 // 30 seconds between probe cycles
	DefaultProbeTimeoutMS   = 5000  // per-provider probe timeout
	DefaultProbeEnabled     = true
)

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	// OpenDurationMS is how long the circuit stays open before moving to half-open.
	OpenDurationMS int `yaml:"open_duration_ms" toml:"open_duration_ms"`

	// HalfOpenProbes is the number of requests allowed through in half-open state.
	HalfOpenProbes int `yaml:"half_open_probes" toml:"half_open_probes"`
}

// GetFailureThreshold returns the configured failure threshold or default 5.
func (c *CircuitBreakerConfig) GetFailureThreshold() int {
	if c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

// GetOpenDuration returns the open duration as time.Duration.
func (c *CircuitBreakerConfig) GetOpenDuration() time.Duration {
	if c.OpenDurationMS <= 0 {
		return time.Duration(DefaultOpenDurationMS) * time.Millisecond
	}
	return time.Duration(c.OpenDurationMS) * time.Millisecond
}

// GetHalfOpenProbes returns the configured half-open probes or default 3.
func (c *CircuitBreakerConfig) GetHalfOpenProbes() int {
	if c.HalfOpenProbes <= 0 {
		return DefaultHalfOpenProbes
	}
	return c.HalfOpenProbes
}

// ProbeConfig defines the background health probe loop.
type ProbeConfig struct {
	Enabled    *bool `yaml:"enabled" toml:"enabled"`
	IntervalMS int   `yaml:"interval_ms" toml:"interval_ms"`
	TimeoutMS  int   `yaml:"timeout_ms" toml:"timeout_ms"`
}

// GetInterval returns the probe interval, default 30s.
func (c *ProbeConfig) GetInterval() time.Duration {
	if c.IntervalMS <= 0 {
		return time.Duration(DefaultProbeIntervalMS) * time.Millisecond
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// GetTimeout returns the per-probe timeout, default 5s.
func (c *ProbeConfig) GetTimeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return time.Duration(DefaultProbeTimeoutMS) * time.Millisecond
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// IsEnabled reports whether probing is enabled. Defaults to true.
func (c *ProbeConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return DefaultProbeEnabled
	}
	return *c.Enabled
}
