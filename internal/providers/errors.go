package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Sentinel errors.
var (
	ErrUnknownFamily  = errors.New("providers: unknown provider family")
	ErrSimulatedFault = errors.New("providers: simulated provider failure")
)

// UpstreamError is a non-2xx response from a provider.
type UpstreamError struct {
	Provider   string
	Message    string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("providers: %s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether the status is a server-side failure.
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// connection failures and 5xx responses. 4xx responses and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Temporary()
	}
	if IsTimeout(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe) || errors.Is(err, io.ErrUnexpectedEOF)
}
