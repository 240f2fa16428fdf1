// Package config provides configuration loading, validation and hot-reload for the gateway.
package config

import (
	"strings"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/cache"
	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/rs/zerolog"
	"github.com/samber/mo"
)

// RuntimeConfig gives components access to the live configuration. Components that
// must observe hot-reloaded values hold this instead of a *Config.
type RuntimeConfig interface {
	Get() *Config
}

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Routing strategies.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyWeighted    = "weighted"
	StrategyHealthFirst = "health_first"
)

// Rate limit algorithms and backends.
const (
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmTokenBucket   = "token_bucket"
	BackendLocal           = "local"
	BackendRedis           = "redis"
)

// Pool classes.
const (
	PoolClassPrimary  = "primary"
	PoolClassFallback = "fallback"
)

// Provider families.
const (
	FamilyOpenAI     = "openai"
	FamilyAggregator = "aggregator"
	FamilyMock       = "mock"
)

// Ledger drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the complete gateway configuration.
type Config struct {
	Routing   RoutingConfig   `yaml:"routing" toml:"routing"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Quota     QuotaConfig     `yaml:"quota" toml:"quota"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Usage     UsageConfig     `yaml:"usage" toml:"usage"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Cache     cache.Config    `yaml:"cache" toml:"cache"`
}

// ServerConfig configures the admin listener.
type ServerConfig struct {
	AdminListen string `yaml:"admin_listen" toml:"admin_listen"`
	EnableHTTP2 bool   `yaml:"enable_http2" toml:"enable_http2"`
}

// GetAdminListen returns the admin address, default 127.0.0.1:9090.
func (s *ServerConfig) GetAdminListen() string {
	if s.AdminListen == "" {
		return "127.0.0.1:9090"
	}
	return s.AdminListen
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, console, auto
	Output string `yaml:"output" toml:"output"` // stdout, stderr, or file path
	Pretty bool   `yaml:"pretty" toml:"pretty"` // force colored console output
}

// ParseLevel converts the configured level to zerolog.Level, defaulting to info.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RedisConfig configures the Shared Counter Store connection.
// When disabled or unreachable, quota falls back to the ledger and rate limiting
// to the local table.
type RedisConfig struct {
	URL            string                      `yaml:"url" toml:"url"`
	CircuitBreaker health.CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	PoolSize       int                         `yaml:"pool_size" toml:"pool_size"`
	DialTimeoutMS  int                         `yaml:"dial_timeout_ms" toml:"dial_timeout_ms"`
	Enabled        bool                        `yaml:"enabled" toml:"enabled"`
}

// GetURL returns the connection URL, default redis://localhost:6379/0.
func (r *RedisConfig) GetURL() string {
	if r.URL == "" {
		return "redis://localhost:6379/0"
	}
	return r.URL
}

// GetPoolSize returns the connection pool size, default 20.
func (r *RedisConfig) GetPoolSize() int {
	if r.PoolSize <= 0 {
		return 20
	}
	return r.PoolSize
}

// GetDialTimeout returns the dial timeout, default 2s.
func (r *RedisConfig) GetDialTimeout() time.Duration {
	if r.DialTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

// LedgerConfig configures the durable Ledger Store.
type LedgerConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// GetDriver returns the ledger driver, default sqlite.
func (l *LedgerConfig) GetDriver() string {
	if l.Driver == "" {
		return DriverSQLite
	}
	return l.Driver
}

// GetDSN returns the data source name, default a file in the working directory.
func (l *LedgerConfig) GetDSN() string {
	if l.DSN == "" {
		return "file:llm-gateway.db"
	}
	return l.DSN
}

// QuotaConfig configures periods and the reconciliation loop.
type QuotaConfig struct {
	StartDate           string `yaml:"start_date" toml:"start_date"` // YYYY-MM-DD, empty for ISO weeks
	DefaultLimit        int64  `yaml:"default_limit" toml:"default_limit"`
	PeriodHours         int    `yaml:"period_hours" toml:"period_hours"`
	MaxPeriods          int    `yaml:"max_periods" toml:"max_periods"`
	ReconcileIntervalMS int    `yaml:"reconcile_interval_ms" toml:"reconcile_interval_ms"`
	ShutdownGraceMS     int    `yaml:"shutdown_grace_ms" toml:"shutdown_grace_ms"`
	CounterTTLHours     int    `yaml:"counter_ttl_hours" toml:"counter_ttl_hours"`
	LocalTTLMS          int    `yaml:"local_ttl_ms" toml:"local_ttl_ms"`
}

// GetDefaultLimit returns the per-period token limit, default 100000.
func (q *QuotaConfig) GetDefaultLimit() int64 {
	if q.DefaultLimit <= 0 {
		return 100_000
	}
	return q.DefaultLimit
}

// GetPeriodLength returns the quota period length, default one week.
func (q *QuotaConfig) GetPeriodLength() time.Duration {
	if q.PeriodHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(q.PeriodHours) * time.Hour
}

// GetMaxPeriods returns the number of periods after the start date, default 16.
func (q *QuotaConfig) GetMaxPeriods() int {
	if q.MaxPeriods <= 0 {
		return 16
	}
	return q.MaxPeriods
}

// GetStartDate parses StartDate. None means periods follow ISO weeks.
func (q *QuotaConfig) GetStartDate() mo.Option[time.Time] {
	if q.StartDate == "" {
		return mo.None[time.Time]()
	}
	t, err := time.ParseInLocation(time.DateOnly, q.StartDate, time.UTC)
	if err != nil {
		return mo.None[time.Time]()
	}
	return mo.Some(t)
}

// GetReconcileInterval returns the reconciliation interval, default 60s.
func (q *QuotaConfig) GetReconcileInterval() time.Duration {
	if q.ReconcileIntervalMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(q.ReconcileIntervalMS) * time.Millisecond
}

// GetShutdownGrace returns the bounded wait for the final flush, default 5s.
func (q *QuotaConfig) GetShutdownGrace() time.Duration {
	if q.ShutdownGraceMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(q.ShutdownGraceMS) * time.Millisecond
}

// GetCounterTTL returns the shared counter retention, default 7 days.
func (q *QuotaConfig) GetCounterTTL() time.Duration {
	if q.CounterTTLHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(q.CounterTTLHours) * time.Hour
}

// GetLocalTTL returns the local record lifetime, default 30s.
func (q *QuotaConfig) GetLocalTTL() time.Duration {
	if q.LocalTTLMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(q.LocalTTLMS) * time.Millisecond
}

// RateLimitConfig configures request throttling.
type RateLimitConfig struct {
	Enabled           *bool  `yaml:"enabled" toml:"enabled"`
	Algorithm         string `yaml:"algorithm" toml:"algorithm"`
	Backend           string `yaml:"backend" toml:"backend"`
	RequestsPerPeriod int    `yaml:"requests_per_period" toml:"requests_per_period"`
	Burst             int    `yaml:"burst" toml:"burst"`
	WindowMS          int    `yaml:"window_ms" toml:"window_ms"`
	MaxEntries        int    `yaml:"max_entries" toml:"max_entries"`
	FailClosed        bool   `yaml:"fail_closed" toml:"fail_closed"`
}

// IsEnabled reports whether rate limiting is on. Defaults to true.
func (r *RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// GetAlgorithm returns the algorithm, default sliding_window.
func (r *RateLimitConfig) GetAlgorithm() string {
	if r.Algorithm == "" {
		return AlgorithmSlidingWindow
	}
	return r.Algorithm
}

// GetBackend returns the backend, default local.
func (r *RateLimitConfig) GetBackend() string {
	if r.Backend == "" {
		return BackendLocal
	}
	return r.Backend
}

// GetRequestsPerPeriod returns requests allowed per window, default 60.
func (r *RateLimitConfig) GetRequestsPerPeriod() int {
	if r.RequestsPerPeriod <= 0 {
		return 60
	}
	return r.RequestsPerPeriod
}

// GetBurst returns the burst size, default 10.
func (r *RateLimitConfig) GetBurst() int {
	if r.Burst <= 0 {
		return 10
	}
	return r.Burst
}

// GetWindow returns the window length, default 60s.
func (r *RateLimitConfig) GetWindow() time.Duration {
	if r.WindowMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.WindowMS) * time.Millisecond
}

// GetMaxEntries returns the local table capacity, default 10000.
func (r *RateLimitConfig) GetMaxEntries() int {
	if r.MaxEntries <= 0 {
		return 10_000
	}
	return r.MaxEntries
}

// RoutingConfig configures provider pools, selection, retry and health probing.
type RoutingConfig struct {
	CallerProviders map[string]CallerProviderConfig `yaml:"caller_providers" toml:"caller_providers"`
	Strategy        string                          `yaml:"strategy" toml:"strategy"`
	Pools           []PoolConfig                    `yaml:"pools" toml:"pools"`
	Retry           RetryConfig                     `yaml:"retry" toml:"retry"`
	Health          health.ProbeConfig              `yaml:"health" toml:"health"`
}

// GetEffectiveStrategy returns the selection strategy, default round_robin.
func (r *RoutingConfig) GetEffectiveStrategy() string {
	if r.Strategy == "" {
		return StrategyRoundRobin
	}
	return r.Strategy
}

// PoolByClass returns the first pool with the given class.
func (r *RoutingConfig) PoolByClass(class string) mo.Option[PoolConfig] {
	for i := range r.Pools {
		if r.Pools[i].Class == class {
			return mo.Some(r.Pools[i])
		}
	}
	return mo.None[PoolConfig]()
}

// RetryConfig configures exponential backoff for upstream calls.
type RetryConfig struct {
	MaxRetries  *int    `yaml:"max_retries" toml:"max_retries"`
	BaseDelayMS int     `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms" toml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier" toml:"multiplier"`
}

// GetMaxRetries returns the retry count, default 3. Zero disables retries.
func (r *RetryConfig) GetMaxRetries() int {
	if r.MaxRetries == nil || *r.MaxRetries < 0 {
		return 3
	}
	return *r.MaxRetries
}

// GetBaseDelay returns the first backoff delay, default 500ms.
func (r *RetryConfig) GetBaseDelay() time.Duration {
	if r.BaseDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// GetMaxDelay returns the backoff cap, default 10s.
func (r *RetryConfig) GetMaxDelay() time.Duration {
	if r.MaxDelayMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// GetMultiplier returns the backoff multiplier, default 2.0.
func (r *RetryConfig) GetMultiplier() float64 {
	if r.Multiplier <= 1 {
		return 2.0
	}
	return r.Multiplier
}

// PoolConfig is a priority-ordered credential pool. Pools are tried in the
// order they appear in the file.
type PoolConfig struct {
	Name      string           `yaml:"name" toml:"name"`
	Class     string           `yaml:"class" toml:"class"`
	Providers []ProviderConfig `yaml:"providers" toml:"providers"`
}

// ProviderConfig describes one upstream endpoint and credential.
type ProviderConfig struct {
	Name           string     `yaml:"name" toml:"name"`
	Family         string     `yaml:"family" toml:"family"`
	BaseURL        string     `yaml:"base_url" toml:"base_url"`
	APIKey         string     `yaml:"api_key" toml:"api_key"`
	DefaultModel   string     `yaml:"default_model" toml:"default_model"`
	ModelPrefix    string     `yaml:"model_prefix" toml:"model_prefix"`
	FallbackModels []string   `yaml:"fallback_models" toml:"fallback_models"`
	Cost           CostConfig `yaml:"cost" toml:"cost"`
	Mock           MockConfig `yaml:"mock" toml:"mock"`
	TimeoutMS      int        `yaml:"timeout_ms" toml:"timeout_ms"`
	Weight         int        `yaml:"weight" toml:"weight"`
}

// GetTimeout returns the per-call timeout. The fallback class defaults to 30s,
// everything else to 15s.
func (p *ProviderConfig) GetTimeout(class string) time.Duration {
	if p.TimeoutMS > 0 {
		return time.Duration(p.TimeoutMS) * time.Millisecond
	}
	if class == PoolClassFallback {
		return 30 * time.Second
	}
	return 15 * time.Second
}

// GetWeight returns the selection weight, minimum 1.
func (p *ProviderConfig) GetWeight() int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// GetFamily returns the provider family, default openai.
func (p *ProviderConfig) GetFamily() string {
	if p.Family == "" {
		return FamilyOpenAI
	}
	return p.Family
}

// CostConfig is the estimated price per million tokens.
type CostConfig struct {
	InputPerMillion  float64 `yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" toml:"output_per_million"`
}

// MockConfig tunes the mock provider family.
type MockConfig struct {
	MinDelayMS  int     `yaml:"min_delay_ms" toml:"min_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms" toml:"max_delay_ms"`
	FailureRate float64 `yaml:"failure_rate" toml:"failure_rate"`
}

// CallerProviderConfig is the template used when a caller brings its own credential
// for a declared provider type.
type CallerProviderConfig struct {
	Family       string `yaml:"family" toml:"family"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	DefaultModel string `yaml:"default_model" toml:"default_model"`
	ModelPrefix  string `yaml:"model_prefix" toml:"model_prefix"`
	TimeoutMS    int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

// UsageConfig configures the usage event worker.
type UsageConfig struct {
	BufferSize      int `yaml:"buffer_size" toml:"buffer_size"`
	BatchSize       int `yaml:"batch_size" toml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms" toml:"flush_interval_ms"`
}

// GetBufferSize returns the event channel capacity, default 1024.
func (u *UsageConfig) GetBufferSize() int {
	if u.BufferSize <= 0 {
		return 1024
	}
	return u.BufferSize
}

// GetBatchSize returns the maximum batch size, default 100.
func (u *UsageConfig) GetBatchSize() int {
	if u.BatchSize <= 0 {
		return 100
	}
	return u.BatchSize
}

// GetFlushInterval returns the maximum batch age, default 2s.
func (u *UsageConfig) GetFlushInterval() time.Duration {
	if u.FlushIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(u.FlushIntervalMS) * time.Millisecond
}

// MetricsConfig configures the Prometheus endpoint on the admin listener.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// IsEnabled reports whether /metrics is served. Defaults to true.
func (m *MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// GetPath returns the metrics path, default /metrics.
func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}
