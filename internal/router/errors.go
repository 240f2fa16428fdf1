package router

import "errors"

// Routing errors.
var (
	// ErrNoProviders is returned when a pool has no providers.
	ErrNoProviders = errors.New("router: no providers configured")

	// ErrNoHealthyProvider is returned by health_first when every provider is unhealthy.
	ErrNoHealthyProvider = errors.New("router: no healthy provider")

	// ErrNoPrimaryPool is returned when no primary pool is configured.
	ErrNoPrimaryPool = errors.New("router: no primary pool configured")

	// ErrUnknownCallerProvider is returned for a caller credential whose provider
	// type has no configured template.
	ErrUnknownCallerProvider = errors.New("router: unknown caller provider type")
)
