// Package ratelimit bounds how many requests a caller key may make per window.
//
// Two algorithms are available:
//   - sliding_window: a fixed-size window per key, limit = min(rpm, burst)
//   - token_bucket: golang.org/x/time/rate buckets refilling rpm per window
//
// State lives either in a bounded in-process table or in Redis (a sorted-set
// sliding log evaluated by one Lua script). Backend errors fail open unless
// fail_closed is configured.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// failClosedRetry is the Retry-After reported when a backend error denies a request.
const failClosedRetry = time.Second

// Result is the outcome of a rate limit check.
type Result struct {
	ResetTime  time.Time
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Allowed    bool
}

// SetHeaders writes the conventional X-RateLimit-* and Retry-After headers.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetTime.Unix(), 10))
	if !r.Allowed {
		secs := int((r.RetryAfter + time.Second - 1) / time.Second)
		h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
}

// Backend evaluates and records one request against a key in a single atomic step.
type Backend interface {
	IsAllowed(ctx context.Context, key string, cost int) (Result, error)
	Name() string
}

// Limiter applies the configured backend and failure policy.
// It is safe for concurrent use; Reconfigure swaps the backend atomically.
type Limiter struct {
	state   atomic.Pointer[limiterState]
	redis   redis.UniversalClient
	breaker *health.CircuitBreaker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type limiterState struct {
	backend    Backend
	enabled    bool
	failClosed bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithRedis provides the client used by the redis backend.
func WithRedis(client redis.UniversalClient, breaker *health.CircuitBreaker) Option {
	return func(l *Limiter) {
		l.redis = client
		l.breaker = breaker
	}
}

// WithMetrics records decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger.With().Str("component", "ratelimit").Logger()
		}
	}
}

// WithClock overrides the time source of local backends.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter from cfg.
func New(cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	l := &Limiter{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return l, nil
}

// Reconfigure replaces the backend. Local state is discarded.
func (l *Limiter) Reconfigure(cfg config.RateLimitConfig) error {
	backend, err := l.newBackend(cfg)
	if err != nil {
		return err
	}
	l.state.Store(&limiterState{
		backend:    backend,
		enabled:    cfg.IsEnabled(),
		failClosed: cfg.FailClosed,
	})
	l.logger.Info().
		Bool("enabled", cfg.IsEnabled()).
		Str("algorithm", cfg.GetAlgorithm()).
		Str("backend", backend.Name()).
		Int("requests_per_period", cfg.GetRequestsPerPeriod()).
		Int("burst", cfg.GetBurst()).
		Dur("window", cfg.GetWindow()).
		Msg("rate limiter configured")
	return nil
}

func (l *Limiter) newBackend(cfg config.RateLimitConfig) (Backend, error) {
	limits := Limits{
		RequestsPerWindow: cfg.GetRequestsPerPeriod(),
		Burst:             cfg.GetBurst(),
		Window:            cfg.GetWindow(),
	}

	if cfg.GetBackend() == config.BackendRedis {
		if l.redis == nil {
			return nil, ErrRedisRequired
		}
		return NewRedisWindow(l.redis, limits, l.breaker), nil
	}

	switch cfg.GetAlgorithm() {
	case config.AlgorithmTokenBucket:
		return NewTokenBucket(limits, cfg.GetMaxEntries(), l.now), nil
	default:
		return NewSlidingWindow(limits, cfg.GetMaxEntries(), l.now), nil
	}
}

// IsAllowed checks and records a request of the given cost for key. It never
// returns an error: a failing backend allows the request, or denies it when
// fail_closed is set.
func (l *Limiter) IsAllowed(ctx context.Context, key string, cost int) Result {
	st := l.state.Load()
	if !st.enabled {
		return Result{Allowed: true}
	}
	if cost < 1 {
		cost = 1
	}

	res, err := st.backend.IsAllowed(ctx, key, cost)
	if err != nil {
		l.logger.Warn().Err(err).Str("backend", st.backend.Name()).Bool("fail_closed", st.failClosed).
			Msg("rate limit backend failed")
		now := l.now()
		if st.failClosed {
			l.metrics.RateLimitDecision(st.backend.Name(), "fail_closed")
			return Result{Allowed: false, RetryAfter: failClosedRetry, ResetTime: now.Add(failClosedRetry)}
		}
		l.metrics.RateLimitDecision(st.backend.Name(), "fail_open")
		return Result{Allowed: true, ResetTime: now}
	}

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	l.metrics.RateLimitDecision(st.backend.Name(), outcome)
	return res
}

// Check is IsAllowed returning a *LimitedError for denied requests.
func (l *Limiter) Check(ctx context.Context, key string, cost int) (Result, error) {
	res := l.IsAllowed(ctx, key, cost)
	if !res.Allowed {
		return res, &LimitedError{Key: key, Result: res}
	}
	return res, nil
}
