package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h-lu/llmGateway-sub000/internal/admission"
	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/h-lu/llmGateway-sub000/internal/router"
)

// StatusSource reports provider health.
type StatusSource interface {
	Status() router.Status
}

// QuotaSource answers read-only quota questions for the current period.
type QuotaSource interface {
	Remaining(ctx context.Context, callerID string) (int64, error)
	CurrentPeriod() int64
	Limit() int64
}

// Options configures the admin routes. Nil sources leave their routes unmounted.
type Options struct {
	Status      StatusSource
	Quota       QuotaSource
	Metrics     *metrics.Metrics
	Logger      *zerolog.Logger
	MetricsPath string
}

// QuotaResponse is the body of GET /quota/{caller}.
type QuotaResponse struct {
	CallerID  string `json:"caller_id"`
	Period    int64  `json:"period_id"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// NewHandler builds the admin mux:
//
//	GET /healthz          liveness
//	GET /status           router status
//	GET /quota/{caller}   remaining quota for the current period
//	GET <metrics path>    Prometheus exposition
func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if opts.Status != nil {
		mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, opts.Status.Status())
		})
	}

	if opts.Quota != nil {
		mux.HandleFunc("GET /quota/{caller}", quotaHandler(opts.Quota))
	}

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, opts.Metrics.Handler())
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "admin").Logger()
	}
	return RequestLogger(&logger)(mux)
}

func quotaHandler(q QuotaSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := r.PathValue("caller")
		remaining, err := q.Remaining(r.Context(), caller)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("caller", caller).Msg("quota lookup failed")
			admission.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, QuotaResponse{
			CallerID:  caller,
			Period:    q.CurrentPeriod(),
			Limit:     q.Limit(),
			Remaining: remaining,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
