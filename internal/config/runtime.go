package config

import "sync/atomic"

// Runtime holds the live configuration behind an atomic pointer. In-flight
// requests keep the *Config they started with; new requests see reloads.
type Runtime struct {
	ptr atomic.Pointer[Config]
}

// NewRuntime creates a Runtime holding initial.
func NewRuntime(initial *Config) *Runtime {
	r := &Runtime{}
	r.ptr.Store(initial)
	return r
}

// Get returns the current configuration.
func (r *Runtime) Get() *Config {
	return r.ptr.Load()
}

// Store swaps in cfg.
func (r *Runtime) Store(cfg *Config) {
	r.ptr.Store(cfg)
}

var _ RuntimeConfig = (*Runtime)(nil)
