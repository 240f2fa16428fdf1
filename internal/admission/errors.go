package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/h-lu/llmGateway-sub000/internal/providers"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
	"github.com/h-lu/llmGateway-sub000/internal/ratelimit"
	"github.com/h-lu/llmGateway-sub000/internal/router"
)

// Kind is the class of an admission or upstream failure.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindQuotaExceeded
	KindRateLimited
	KindBackingStoreUnavailable
	KindUpstreamTransient
	KindUpstreamPermanent
	KindNoHealthyProvider
	KindRejected
	KindInvalidRequest
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:                 "internal_error",
	KindQuotaExceeded:           "quota_exceeded",
	KindRateLimited:             "rate_limited",
	KindBackingStoreUnavailable: "backing_store_unavailable",
	KindUpstreamTransient:       "upstream_transient",
	KindUpstreamPermanent:       "upstream_permanent",
	KindNoHealthyProvider:       "no_healthy_provider",
	KindRejected:                "rejected",
	KindInvalidRequest:          "invalid_request",
	KindCanceled:                "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a client may retry the same request later.
func (k Kind) Retryable() bool {
	switch k {
	case KindBackingStoreUnavailable, KindUpstreamTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus is the default response status for the kind. Upstream failures
// are refined by StatusFor.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindBackingStoreUnavailable, KindNoHealthyProvider:
		return http.StatusServiceUnavailable
	case KindUpstreamTransient:
		return http.StatusBadGateway
	case KindUpstreamPermanent, KindInvalidRequest:
		return http.StatusBadRequest
	case KindRejected:
		return http.StatusForbidden
	case KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusClientClosedRequest is the de facto status for a client that went away.
const statusClientClosedRequest = 499

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		qe *quota.ExceededError
		le *ratelimit.LimitedError
		re *RejectedError
		ue *providers.UpstreamError
		ne net.Error
	)
	switch {
	case errors.As(err, &qe):
		return KindQuotaExceeded
	case errors.As(err, &le):
		return KindRateLimited
	case errors.Is(err, quota.ErrBackingStoreUnavailable):
		return KindBackingStoreUnavailable
	case errors.Is(err, router.ErrNoHealthyProvider),
		errors.Is(err, router.ErrNoProviders),
		errors.Is(err, router.ErrNoPrimaryPool):
		return KindNoHealthyProvider
	case errors.As(err, &re):
		return KindRejected
	case errors.Is(err, router.ErrUnknownCallerProvider),
		errors.Is(err, ratelimit.ErrKeyTooLong),
		errors.Is(err, quota.ErrInvalidTokens),
		errors.Is(err, ErrMissingCaller):
		return KindInvalidRequest
	case errors.As(err, &ue):
		if ue.Temporary() {
			return KindUpstreamTransient
		}
		return KindUpstreamPermanent
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case providers.IsTimeout(err), errors.As(err, &ne), providers.IsRetryable(err):
		return KindUpstreamTransient
	default:
		return KindUnknown
	}
}

// StatusFor returns the response status for err. Upstream 4xx responses pass
// through and upstream timeouts map to 504.
func StatusFor(err error) int {
	kind := Classify(err)
	switch kind {
	case KindUpstreamPermanent:
		var ue *providers.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode >= 400 && ue.StatusCode < 500 {
			return ue.StatusCode
		}
	case KindUpstreamTransient:
		if providers.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
	}
	return kind.HTTPStatus()
}

// ErrorResponse is the JSON body written for a failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WriteError writes err as a JSON response. Quota rejections carry the
// guidance payload; rate-limit rejections carry the X-RateLimit headers.
func WriteError(w http.ResponseWriter, err error) {
	kind := Classify(err)
	status := StatusFor(err)

	var (
		qe *quota.ExceededError
		le *ratelimit.LimitedError
	)
	switch {
	case errors.As(err, &qe):
		writeJSON(w, status, qe.Response())
		return
	case errors.As(err, &le):
		le.Result.SetHeaders(w.Header())
	case kind == KindBackingStoreUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(int(backingStoreRetry/time.Second)))
	}

	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Type:      kind.String(),
		Message:   err.Error(),
		Retryable: kind.Retryable(),
	}})
}

// backingStoreRetry is the Retry-After hint for store outages.
const backingStoreRetry = 5 * time.Second

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
