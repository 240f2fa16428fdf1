package di

import (
	"time"

	"github.com/samber/do/v2"
)

// shutdownGrace bounds each background service's shutdown.
const shutdownGrace = 5 * time.Second

// RegisterSingletons registers every service provider as a lazy singleton.
// Dependencies, leaves first:
//  1. Config
//  2. Logger (Config)
//  3. Metrics (Config)
//  4. Cache, Redis, Ledger (Config, Logger)
//  5. Quota (Cache, Redis, Ledger, Metrics)
//  6. RateLimit (Redis, Metrics)
//  7. Health (Metrics)
//  8. Router (Health, Quota, Metrics)
//  9. Usage (Quota, Ledger, Metrics)
//  10. Admission (RateLimit, Quota, Router, Usage)
//  11. Server (Router, Quota, Metrics)
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewMetrics)
	do.Provide(i, NewCache)
	do.Provide(i, NewRedis)
	do.Provide(i, NewLedger)
	do.Provide(i, NewQuota)
	do.Provide(i, NewRateLimit)
	do.Provide(i, NewHealth)
	do.Provide(i, NewRouter)
	do.Provide(i, NewUsage)
	do.Provide(i, NewAdmission)
	do.Provide(i, NewServer)
}
