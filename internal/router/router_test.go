package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/health"
	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/h-lu/llmGateway-sub000/internal/providers"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_RoundRobinAlternates(t *testing.T) {
	t.Parallel()

	a, b := newFake("a"), newFake("b")
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a, b)},
	}, Options{}, a, b)

	var picked []string
	for range 4 {
		d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
		require.NoError(t, err)
		picked = append(picked, d.Descriptor.Name)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, picked)
}

func TestRoute_HealthFirstAllUnhealthy(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	mon := health.NewMonitor(health.ProbeConfig{}, &logger)
	a, b := newFake("a"), newFake("b")
	r := newTestRouter(t, config.RoutingConfig{
		Strategy: config.StrategyHealthFirst,
		Pools:    []config.PoolConfig{pool("main", config.PoolClassPrimary, a, b)},
	}, Options{Monitor: mon}, a, b)

	mon.MarkUnhealthy("a", errors.New("down"))
	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)
	assert.Equal(t, "b", d.Descriptor.Name)

	mon.MarkUnhealthy("b", errors.New("down"))
	_, err = r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.ErrorIs(t, err, ErrNoHealthyProvider)
}

func TestRoute_RoundRobinFallsBackToAllWhenNoneHealthy(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	mon := health.NewMonitor(health.ProbeConfig{}, &logger)
	a := newFake("a")
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a)},
	}, Options{Monitor: mon}, a)

	mon.MarkUnhealthy("a", errors.New("down"))
	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Descriptor.Name)
}

func TestRoute_QuotaExhausted(t *testing.T) {
	t.Parallel()

	a := newFake("a")
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a)},
	}, Options{Quota: fixedQuota{remaining: 0, period: 5}}, a)

	_, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	var qe *quota.ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(6), qe.ResetPeriod)
	assert.Equal(t, "alice", qe.CallerID)
	assert.NotEmpty(t, qe.Actions)
}

func TestRoute_QuotaViewErrorPropagates(t *testing.T) {
	t.Parallel()

	a := newFake("a")
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a)},
	}, Options{Quota: fixedQuota{err: quota.ErrBackingStoreUnavailable}}, a)

	_, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.ErrorIs(t, err, quota.ErrBackingStoreUnavailable)
}

func TestRoute_CallerCredentialSkipsQuota(t *testing.T) {
	t.Parallel()

	a := newFake("a")
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a)},
		CallerProviders: map[string]config.CallerProviderConfig{
			"openrouter": {BaseURL: "https://or.example/v1", ModelPrefix: "deepseek/", DefaultModel: "deepseek-chat"},
		},
	}, Options{Quota: fixedQuota{remaining: 0}}, a)

	d, err := r.Route(context.Background(), Caller{ID: "bob", ProviderType: "openrouter", APIKey: "sk-bob"}, "")
	require.NoError(t, err)
	assert.Equal(t, ClassCaller, d.Class)
	assert.Equal(t, "deepseek/deepseek-chat", d.Model)
	assert.Equal(t, 30*time.Second, d.Timeout)
	assert.Equal(t, "sk-bob", d.Descriptor.APIKey)

	_, err = r.Route(context.Background(), Caller{ID: "bob", ProviderType: "unknown", APIKey: "k"}, "")
	require.ErrorIs(t, err, ErrUnknownCallerProvider)
}

func TestCall_PrimaryTimeoutFailsOverOnce(t *testing.T) {
	t.Parallel()

	primary := newFake("ds")
	primary.delay = time.Second
	secondary := newFake("or")

	main := pool("main", config.PoolClassPrimary, primary)
	main.Providers[0].TimeoutMS = 20
	backup := pool("backup", config.PoolClassFallback, secondary)
	backup.Providers[0].ModelPrefix = "deepseek/"
	backup.Providers[0].FallbackModels = []string{"openai/gpt-4o-mini"}

	m := metrics.New()
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{main, backup},
		Retry: config.RetryConfig{MaxRetries: zeroRetries()},
	}, Options{Metrics: m}, primary, secondary)

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "deepseek-chat")
	require.NoError(t, err)

	resp, used, err := r.Call(context.Background(), d, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "or", resp.Provider)
	assert.Equal(t, "deepseek/deepseek-chat", resp.Model)
	assert.Equal(t, ClassFallback, used.Class)
	assert.Equal(t, []string{"openai/gpt-4o-mini"}, used.FallbackModels)
	assert.Equal(t, 30*time.Second, used.Timeout)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), secondary.calls.Load())
	assert.InDelta(t, 1, counterValue(t, m, "llmgw_router_failovers_total"), 0)
}

func TestCall_ClientErrorNeverFailsOver(t *testing.T) {
	t.Parallel()

	primary := newFake("ds")
	primary.fail = func(int) error { return &providers.UpstreamError{Provider: "ds", StatusCode: 400} }
	secondary := newFake("or")

	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{
			pool("main", config.PoolClassPrimary, primary),
			pool("backup", config.PoolClassFallback, secondary),
		},
	}, Options{}, primary, secondary)

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)

	_, _, err = r.Call(context.Background(), d, []byte(`{}`))
	var ue *providers.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 400, ue.StatusCode)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestCall_SecondaryFailurePropagates(t *testing.T) {
	t.Parallel()

	primary := newFake("ds")
	primary.delay = time.Second
	secondary := newFake("or")
	secondary.fail = func(int) error { return &providers.UpstreamError{Provider: "or", StatusCode: 502} }

	main := pool("main", config.PoolClassPrimary, primary)
	main.Providers[0].TimeoutMS = 20
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{main, pool("backup", config.PoolClassFallback, secondary)},
		Retry: config.RetryConfig{MaxRetries: zeroRetries()},
	}, Options{}, primary, secondary)

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)

	_, _, err = r.Call(context.Background(), d, []byte(`{}`))
	var ue *providers.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "or", ue.Provider)
	assert.Equal(t, int32(1), secondary.calls.Load())
}

func TestCall_RetriesServerErrorsWithBackoff(t *testing.T) {
	t.Parallel()

	a := newFake("a")
	a.fail = func(n int) error {
		if n <= 2 {
			return &providers.UpstreamError{Provider: "a", StatusCode: 503}
		}
		return nil
	}

	logger := zerolog.Nop()
	mon := health.NewMonitor(health.ProbeConfig{}, &logger)
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a)},
	}, Options{Monitor: mon}, a)

	var delays []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)
	resp, _, err := r.Call(context.Background(), d, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, int32(3), a.calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
	assert.False(t, mon.IsHealthy("a"), "inline failure marks the provider unhealthy")
}

func TestCall_RetriesExhaustedReturnsLastError(t *testing.T) {
	t.Parallel()

	a := newFake("a")
	a.fail = func(n int) error { return &providers.UpstreamError{Provider: "a", StatusCode: 500 + n} }

	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{pool("main", config.PoolClassPrimary, a)},
	}, Options{}, a)

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)
	_, _, err = r.Call(context.Background(), d, []byte(`{}`))

	var ue *providers.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 504, ue.StatusCode)
	assert.Equal(t, int32(4), a.calls.Load())
}

func TestStream_TimeoutOnlyCoversEstablishment(t *testing.T) {
	t.Parallel()

	a := newFake("a")
	main := pool("main", config.PoolClassPrimary, a)
	main.Providers[0].TimeoutMS = 20
	r := newTestRouter(t, config.RoutingConfig{Pools: []config.PoolConfig{main}}, Options{}, a)

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)
	s, _, err := r.Stream(context.Background(), d, []byte(`{}`))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, a.context().Err())

	require.NoError(t, s.Close())
	require.Error(t, a.context().Err())
}

func TestStream_PrimaryTimeoutFailsOver(t *testing.T) {
	t.Parallel()

	primary := newFake("ds")
	primary.delay = time.Second
	secondary := newFake("or")

	main := pool("main", config.PoolClassPrimary, primary)
	main.Providers[0].TimeoutMS = 20
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{main, pool("backup", config.PoolClassFallback, secondary)},
		Retry: config.RetryConfig{MaxRetries: zeroRetries()},
	}, Options{}, primary, secondary)

	d, err := r.Route(context.Background(), Caller{ID: "alice"}, "m")
	require.NoError(t, err)
	s, used, err := r.Stream(context.Background(), d, []byte(`{}`))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "or", s.Provider())
	assert.Equal(t, ClassFallback, used.Class)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	mon := health.NewMonitor(health.ProbeConfig{}, &logger)
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	r := newTestRouter(t, config.RoutingConfig{
		Pools: []config.PoolConfig{
			pool("main", config.PoolClassPrimary, a, b),
			pool("backup", config.PoolClassFallback, c),
		},
	}, Options{Monitor: mon}, a, b, c)

	mon.MarkUnhealthy("b", errors.New("down"))
	st := r.Status()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Healthy)
	require.Len(t, st.Providers, 3)
	assert.Equal(t, "backup", st.Providers[2].Pool)
	assert.False(t, st.Providers[1].Healthy)
	assert.False(t, st.Providers[0].LastChecked.IsZero())
}

func TestNew_RequiresPrimaryPool(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Routing: config.RoutingConfig{
		Pools: []config.PoolConfig{pool("backup", config.PoolClassFallback, newFake("x"))},
	}})
	require.ErrorIs(t, err, ErrNoPrimaryPool)
}

func TestDecision_EstimateCost(t *testing.T) {
	t.Parallel()

	d := &Decision{Descriptor: providers.Descriptor{Cost: config.CostConfig{InputPerMillion: 0.55, OutputPerMillion: 2.19}}}
	assert.InDelta(t, 0.55+2.19, d.EstimateCost(1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.000055, d.EstimateCost(100, 0), 1e-12)
}
