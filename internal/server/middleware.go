package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/h-lu/llmGateway-sub000/internal/logging"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger attaches a request-scoped logger and request ID to each
// request and logs its completion.
func RequestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logging.WithRequestID(logger.WithContext(r.Context()), r.Header.Get(HeaderRequestID))
			w.Header().Set(HeaderRequestID, logging.RequestID(ctx))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			l := zerolog.Ctx(ctx)
			event := l.Debug()
			switch {
			case rec.status >= 500:
				event = l.Error()
			case rec.status >= 400:
				event = l.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msgf("%s %s", r.Method, r.URL.Path)
		})
	}
}
