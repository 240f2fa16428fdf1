package health

import "errors"

var (
	// ErrCircuitOpen is returned without calling the store while its breaker is open.
	ErrCircuitOpen = errors.New("health: store circuit open")

	// ErrProbeFailed marks a provider probe that did not report healthy.
	ErrProbeFailed = errors.New("health: probe failed")
)
