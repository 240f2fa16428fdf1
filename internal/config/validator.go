package config

import (
	"net"
	"net/url"
	"time"
)

var validRoutingStrategies = map[string]bool{
	"":                  true, // Empty defaults to round_robin
	StrategyRoundRobin:  true,
	StrategyWeighted:    true,
	StrategyHealthFirst: true,
}

var validAlgorithms = map[string]bool{
	"":                     true,
	AlgorithmSlidingWindow: true,
	AlgorithmTokenBucket:   true,
}

var validBackends = map[string]bool{
	"":           true,
	BackendLocal: true,
	BackendRedis: true,
}

var validFamilies = map[string]bool{
	"":               true, // Empty defaults to openai
	FamilyOpenAI:     true,
	FamilyAggregator: true,
	FamilyMock:       true,
}

var validPoolClasses = map[string]bool{
	PoolClassPrimary:  true,
	PoolClassFallback: true,
}

var validLogLevels = map[string]bool{
	"":         true,
	LevelDebug: true,
	LevelInfo:  true,
	LevelWarn:  true,
	LevelError: true,
}

var validLogFormats = map[string]bool{
	"":        true,
	"json":    true,
	"console": true,
	"auto":    true,
}

var validLedgerDrivers = map[string]bool{
	"":           true,
	DriverSQLite: true,
	DriverMemory: true,
}

// Validate checks the configuration and returns a ValidationError listing every
// problem found, or nil.
func (c *Config) Validate() error {
	errs := &ValidationError{}

	validateServer(c, errs)
	validateLogging(c, errs)
	validateStores(c, errs)
	validateQuota(c, errs)
	validateRateLimit(c, errs)
	validateRouting(c, errs)
	cacheCfg := c.Cache
	cacheCfg.ApplyDefaults()
	if err := cacheCfg.Validate(); err != nil {
		errs.Add(err.Error())
	}

	return errs.ToError()
}

func validateServer(c *Config, errs *ValidationError) {
	if _, _, err := net.SplitHostPort(c.Server.GetAdminListen()); err != nil {
		errs.Addf("server.admin_listen %q is not host:port", c.Server.AdminListen)
	}
}

func validateLogging(c *Config, errs *ValidationError) {
	if !validLogLevels[c.Logging.Level] {
		errs.Addf("logging.level %q is invalid", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		errs.Addf("logging.format %q is invalid", c.Logging.Format)
	}
}

func validateStores(c *Config, errs *ValidationError) {
	if c.Redis.Enabled {
		if _, err := url.Parse(c.Redis.GetURL()); err != nil {
			errs.Addf("redis.url is invalid: %v", err)
		}
	}
	if !validLedgerDrivers[c.Ledger.Driver] {
		errs.Addf("ledger.driver %q is not supported", c.Ledger.Driver)
	}
}

func validateQuota(c *Config, errs *ValidationError) {
	if c.Quota.StartDate != "" {
		if _, err := time.Parse(time.DateOnly, c.Quota.StartDate); err != nil {
			errs.Addf("quota.start_date %q must be YYYY-MM-DD", c.Quota.StartDate)
		}
	}
	if c.Quota.DefaultLimit < 0 {
		errs.Addf("quota.default_limit must be >= 0, got %d", c.Quota.DefaultLimit)
	}
}

func validateRateLimit(c *Config, errs *ValidationError) {
	rl := &c.RateLimit
	if !validAlgorithms[rl.Algorithm] {
		errs.Addf("ratelimit.algorithm %q is invalid", rl.Algorithm)
	}
	if !validBackends[rl.Backend] {
		errs.Addf("ratelimit.backend %q is invalid", rl.Backend)
	}
	if rl.GetBackend() == BackendRedis && !c.Redis.Enabled {
		errs.Add("ratelimit.backend redis requires redis.enabled")
	}
	if rl.RequestsPerPeriod < 0 || rl.Burst < 0 || rl.WindowMS < 0 {
		errs.Add("ratelimit sizes must be >= 0")
	}
}

func validateRouting(c *Config, errs *ValidationError) {
	r := &c.Routing
	if !validRoutingStrategies[r.Strategy] {
		errs.Addf("routing.strategy %q is invalid", r.Strategy)
	}
	if len(r.Pools) == 0 {
		errs.Add(ErrNoPools.Error())
	}
	if r.Retry.Multiplier != 0 && r.Retry.Multiplier < 1 {
		errs.Addf("routing.retry.multiplier must be >= 1, got %v", r.Retry.Multiplier)
	}

	classes := make(map[string]int)
	owners := make(map[string]string)
	for i := range r.Pools {
		validatePool(&r.Pools[i], errs)
		classes[r.Pools[i].Class]++
		// Health state is keyed by provider name, so names are global.
		for _, pc := range r.Pools[i].Providers {
			if prev, ok := owners[pc.Name]; ok && prev != r.Pools[i].Name && pc.Name != "" {
				errs.Addf("routing.pools: provider %q appears in pools %s and %s", pc.Name, prev, r.Pools[i].Name)
			}
			owners[pc.Name] = r.Pools[i].Name
		}
	}
	for class, n := range classes {
		if n > 1 {
			errs.Addf("routing.pools: class %q defined %d times", class, n)
		}
	}
	if len(r.Pools) > 0 && classes[PoolClassPrimary] == 0 {
		errs.Add("routing.pools: a primary pool is required")
	}

	for typ, cp := range r.CallerProviders {
		if cp.BaseURL == "" && cp.Family != FamilyMock {
			errs.Addf("routing.caller_providers.%s: base_url is required", typ)
		}
		if !validFamilies[cp.Family] {
			errs.Addf("routing.caller_providers.%s: family %q is invalid", typ, cp.Family)
		}
	}
}

func validatePool(p *PoolConfig, errs *ValidationError) {
	if p.Name == "" {
		errs.Add("routing.pools: name is required")
	}
	if !validPoolClasses[p.Class] {
		errs.Addf("routing.pools.%s: class %q is invalid", p.Name, p.Class)
	}
	if len(p.Providers) == 0 {
		errs.Addf("routing.pools.%s: at least one provider is required", p.Name)
	}

	seen := make(map[string]bool, len(p.Providers))
	for i := range p.Providers {
		pc := &p.Providers[i]
		if pc.Name == "" {
			errs.Addf("routing.pools.%s: provider name is required", p.Name)
			continue
		}
		if seen[pc.Name] {
			errs.Addf("routing.pools.%s: duplicate provider %q", p.Name, pc.Name)
		}
		seen[pc.Name] = true

		if !validFamilies[pc.Family] {
			errs.Addf("routing.pools.%s.%s: family %q is invalid", p.Name, pc.Name, pc.Family)
		}
		if pc.GetFamily() != FamilyMock && pc.BaseURL == "" {
			errs.Addf("routing.pools.%s.%s: base_url is required", p.Name, pc.Name)
		}
		if pc.Weight < 0 {
			errs.Add(InvalidWeightError{Provider: pc.Name, Weight: pc.Weight}.Error())
		}
		if pc.Mock.FailureRate < 0 || pc.Mock.FailureRate > 1 {
			errs.Addf("routing.pools.%s.%s: mock.failure_rate must be within [0,1]", p.Name, pc.Name)
		}
	}
}
