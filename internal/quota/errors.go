package quota

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is.
var (
	// ErrBackingStoreUnavailable is returned when the ledger cannot be reached.
	// It is retryable and never means the caller is out of quota.
	ErrBackingStoreUnavailable = errors.New("quota: backing store unavailable")

	// ErrInvalidTokens is returned for negative token amounts.
	ErrInvalidTokens = errors.New("quota: tokens must not be negative")

	// ErrCounterMissing is returned by a CounterStore when the counter for a key
	// does not exist and no seed was supplied.
	ErrCounterMissing = errors.New("quota: counter not initialized")
)

// Action is a suggested next step shown to a caller that ran out of quota.
type Action struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

// DefaultActions are attached to ExceededError when the router has no
// caller-owned credential to fall back to.
var DefaultActions = []Action{
	{
		Type:        "configure_key",
		Title:       "Configure your own API key",
		Description: "Requests made with your own provider key are not counted against the shared quota.",
		URL:         "/settings/api-key",
	},
	{
		Type:        "wait_reset",
		Title:       "Wait for the next period",
		Description: "Your quota is restored when the next period starts.",
	},
}

// ExceededError reports that a reservation would push usage past the period limit.
type ExceededError struct {
	CallerID    string
	Message     string
	Actions     []Action
	Remaining   int64
	ResetPeriod int64
}

// NewExceededError builds an ExceededError with the default guidance.
func NewExceededError(callerID string, remaining, period int64) *ExceededError {
	return &ExceededError{
		CallerID:    callerID,
		Remaining:   remaining,
		ResetPeriod: period + 1,
		Message: fmt.Sprintf(
			"quota for period %d is exhausted (%d tokens left); configure your own key or wait for period %d",
			period, remaining, period+1),
		Actions: DefaultActions,
	}
}

func (e *ExceededError) Error() string {
	if e.Message != "" {
		return "quota: " + e.Message
	}
	return fmt.Sprintf("quota: exceeded for %s, %d remaining, resets in period %d",
		e.CallerID, e.Remaining, e.ResetPeriod)
}

// Response is the client-facing body for a quota rejection.
func (e *ExceededError) Response() map[string]any {
	return map[string]any{
		"error":            "quota_exceeded",
		"error_code":       "QUOTA_EXCEEDED_CONFIGURE_KEY",
		"message":          e.Message,
		"remaining_tokens": e.Remaining,
		"reset_period":     e.ResetPeriod,
		"actions":          e.Actions,
	}
}

// IsExceeded reports whether err is an ExceededError.
func IsExceeded(err error) bool {
	var qe *ExceededError
	return errors.As(err, &qe)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrBackingStoreUnavailable, err)
}
