// Package router resolves which upstream serves a request and executes the call.
//
// Providers are grouped into pools by credential class:
//
//	caller   -> the caller's own credential, built per request from a template
//	primary  -> shared credentials, used while the caller has quota left
//	fallback -> secondary credentials, used once when a primary call times out
//
// Within a pool a Selector (round_robin, weighted, health_first) picks the
// provider. Calls are retried with exponential backoff on transient errors;
// retryable failures mark the provider unhealthy until the next probe.
package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/h-lu/llmGateway-sub000/internal/providers"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Class is the credential-pool class of a routing decision.
type Class string

// Credential-pool classes.
const (
	ClassCaller   Class = "caller"
	ClassPrimary  Class = config.PoolClassPrimary
	ClassFallback Class = config.PoolClassFallback
)

// defaultCallerTimeout applies to caller templates without timeout_ms.
const defaultCallerTimeout = 30 * time.Second

// QuotaView reports the caller's remaining quota for the current period.
type QuotaView interface {
	Remaining(ctx context.Context, callerID string) (int64, error)
	CurrentPeriod() int64
}

// Caller identifies the requester and, optionally, their own credential.
type Caller struct {
	ID           string
	ProviderType string
	APIKey       string
	// Reserved is the quota already reserved for this request. A positive
	// value skips the remaining-quota check.
	Reserved int64
}

// HasOwnKey reports whether the caller brings a credential.
func (c Caller) HasOwnKey() bool {
	return c.APIKey != ""
}

// Factory builds a provider from its descriptor.
type Factory func(d *providers.Descriptor) (providers.Provider, error)

// Decision is the per-request routing result. It is not persisted.
type Decision struct {
	Provider       providers.Provider
	pool           *Pool
	Class          Class
	Model          string
	requested      string
	FallbackModels []string
	Descriptor     providers.Descriptor
	Timeout        time.Duration
}

// Request builds the provider request for body.
func (d *Decision) Request(body []byte) *providers.ChatRequest {
	return &providers.ChatRequest{Body: body, Model: d.Model, FallbackModels: d.FallbackModels}
}

// EstimateCost returns the estimated price in dollars for the token counts.
func (d *Decision) EstimateCost(inTokens, outTokens int64) float64 {
	c := d.Descriptor.Cost
	return (float64(inTokens)*c.InputPerMillion + float64(outTokens)*c.OutputPerMillion) / 1_000_000
}

// Pool is a named group of candidates sharing one credential class.
type Pool struct {
	selector   Selector
	Name       string
	Class      Class
	candidates []Candidate
}

// Candidates returns the pool members.
func (p *Pool) Candidates() []Candidate {
	return p.candidates
}

// Options configures a Router.
type Options struct {
	Monitor    *health.Monitor
	Quota      QuotaView
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
	Factory    Factory
	Routing    config.RoutingConfig
}

// Router routes and executes upstream calls. It is safe for concurrent use.
type Router struct {
	monitor   *health.Monitor
	quota     QuotaView
	metrics   *metrics.Metrics
	factory   Factory
	templates map[string]config.CallerProviderConfig
	pools     map[Class]*Pool
	sleep     func(context.Context, time.Duration) error
	logger    zerolog.Logger
	order     []*Pool
	retry     RetryPolicy
}

// New builds the pools from the routing config and registers every pool
// provider with the monitor.
func New(opts Options) (*Router, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "router").Logger()
	}
	factory := opts.Factory
	if factory == nil {
		client := opts.HTTPClient
		factory = func(d *providers.Descriptor) (providers.Provider, error) {
			return providers.New(d, client, &logger)
		}
	}

	r := &Router{
		monitor:   opts.Monitor,
		quota:     opts.Quota,
		metrics:   opts.Metrics,
		factory:   factory,
		templates: opts.Routing.CallerProviders,
		pools:     make(map[Class]*Pool),
		sleep:     sleepCtx,
		logger:    logger,
		retry:     RetryPolicyFromConfig(opts.Routing.Retry),
	}

	for i := range opts.Routing.Pools {
		pc := &opts.Routing.Pools[i]
		pool, err := r.buildPool(pc, opts.Routing.GetEffectiveStrategy())
		if err != nil {
			return nil, err
		}
		r.pools[pool.Class] = pool
		r.order = append(r.order, pool)
	}
	if _, ok := r.pools[ClassPrimary]; !ok {
		return nil, ErrNoPrimaryPool
	}
	return r, nil
}

func (r *Router) buildPool(pc *config.PoolConfig, strategy string) (*Pool, error) {
	sel, err := NewSelector(strategy)
	if err != nil {
		return nil, err
	}
	pool := &Pool{Name: pc.Name, Class: Class(pc.Class), selector: sel}
	for i := range pc.Providers {
		d := providers.DescriptorFromConfig(&pc.Providers[i], pc.Name, pc.Class)
		p, err := r.factory(&d)
		if err != nil {
			return nil, fmt.Errorf("router: pool %s: %w", pc.Name, err)
		}
		c := Candidate{Provider: p, Descriptor: d}
		if r.monitor != nil {
			r.monitor.Register(p)
			c.IsHealthy = r.monitor.IsHealthyFunc(p.Name())
		}
		pool.candidates = append(pool.candidates, c)
	}
	return pool, nil
}

// Pool returns the pool for class, or nil.
func (r *Router) Pool(class Class) *Pool {
	return r.pools[class]
}

// Route decides which credential pool and provider serve the request:
// the caller's own credential, else the primary pool while quota remains,
// else a *quota.ExceededError with guidance.
func (r *Router) Route(ctx context.Context, caller Caller, model string) (*Decision, error) {
	if caller.HasOwnKey() {
		return r.callerDecision(caller, model)
	}

	if r.quota != nil && caller.Reserved <= 0 {
		remaining, err := r.quota.Remaining(ctx, caller.ID)
		if err != nil {
			return nil, err
		}
		if remaining <= 0 {
			r.logger.Warn().Str("caller", caller.ID).Msg("quota exhausted, routing refused")
			return nil, quota.NewExceededError(caller.ID, 0, r.quota.CurrentPeriod())
		}
	}

	d, err := r.selectFrom(ctx, r.pools[ClassPrimary], model)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().
		Str("caller", caller.ID).
		Str("provider", d.Descriptor.Name).
		Str("model", d.Model).
		Msg("routed to primary pool")
	return d, nil
}

func (r *Router) callerDecision(caller Caller, model string) (*Decision, error) {
	tpl, ok := r.templates[caller.ProviderType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallerProvider, caller.ProviderType)
	}
	timeout := defaultCallerTimeout
	if tpl.TimeoutMS > 0 {
		timeout = time.Duration(tpl.TimeoutMS) * time.Millisecond
	}
	family := tpl.Family
	if family == "" {
		family = config.FamilyOpenAI
	}

	desc := providers.Descriptor{
		Name:         "caller:" + caller.ProviderType,
		Family:       family,
		BaseURL:      tpl.BaseURL,
		APIKey:       caller.APIKey,
		DefaultModel: tpl.DefaultModel,
		ModelPrefix:  tpl.ModelPrefix,
		Pool:         string(ClassCaller),
		Class:        string(ClassCaller),
		Timeout:      timeout,
		Weight:       1,
	}
	p, err := r.factory(&desc)
	if err != nil {
		return nil, err
	}
	return &Decision{
		Provider:   p,
		Descriptor: desc,
		Class:      ClassCaller,
		Model:      resolveModel(&desc, model),
		requested:  model,
		Timeout:    timeout,
	}, nil
}

func (r *Router) selectFrom(ctx context.Context, pool *Pool, model string) (*Decision, error) {
	if pool == nil {
		return nil, ErrNoProviders
	}
	c, err := pool.selector.Select(ctx, pool.candidates)
	if err != nil {
		return nil, err
	}
	return &Decision{
		Provider:       c.Provider,
		Descriptor:     c.Descriptor,
		pool:           pool,
		Class:          pool.Class,
		Model:          resolveModel(&c.Descriptor, model),
		requested:      model,
		FallbackModels: c.Descriptor.FallbackModels,
		Timeout:        c.Descriptor.Timeout,
	}, nil
}

// resolveModel applies the provider's default model and prefix.
func resolveModel(d *providers.Descriptor, requested string) string {
	m := requested
	if m == "" {
		m = d.DefaultModel
	}
	if d.ModelPrefix != "" && !strings.HasPrefix(m, d.ModelPrefix) {
		m = d.ModelPrefix + m
	}
	return m
}

// ProviderStatus is the health view of one pool provider.
type ProviderStatus struct {
	LastChecked time.Time `json:"last_checked"`
	Name        string    `json:"name"`
	Pool        string    `json:"pool"`
	Healthy     bool      `json:"healthy"`
}

// Status summarizes provider health across pools.
type Status struct {
	Providers []ProviderStatus `json:"providers"`
	Healthy   int              `json:"healthy"`
	Total     int              `json:"total"`
}

// Status returns the health of every pool provider in configuration order.
func (r *Router) Status() Status {
	checked := map[string]health.ProviderState{}
	if r.monitor != nil {
		checked = lo.KeyBy(r.monitor.Snapshot(), func(s health.ProviderState) string { return s.Name })
	}

	var out []ProviderStatus
	for _, pool := range r.order {
		for _, c := range pool.candidates {
			st := ProviderStatus{Name: c.Descriptor.Name, Pool: pool.Name, Healthy: c.Healthy()}
			if s, ok := checked[st.Name]; ok {
				st.LastChecked = s.LastChecked
			}
			out = append(out, st)
		}
	}
	return Status{
		Providers: out,
		Healthy:   lo.CountBy(out, func(s ProviderStatus) bool { return s.Healthy }),
		Total:     len(out),
	}
}
