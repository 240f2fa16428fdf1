package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/providers"
	"github.com/h-lu/llmGateway-sub000/internal/quota"
	"github.com/h-lu/llmGateway-sub000/internal/ratelimit"
	"github.com/h-lu/llmGateway-sub000/internal/router"
	"github.com/h-lu/llmGateway-sub000/internal/usage"
)

type fakeLimiter struct {
	keys  []string
	allow bool
}

func (f *fakeLimiter) IsAllowed(_ context.Context, key string, _ int) ratelimit.Result {
	f.keys = append(f.keys, key)
	if f.allow {
		return ratelimit.Result{Allowed: true, Limit: 10, Remaining: 9}
	}
	return ratelimit.Result{Limit: 10, RetryAfter: 6 * time.Second}
}

type fakeRouter struct {
	err     error
	callers []router.Caller
}

func (f *fakeRouter) Route(_ context.Context, caller router.Caller, model string) (*router.Decision, error) {
	f.callers = append(f.callers, caller)
	if f.err != nil {
		return nil, f.err
	}
	return &router.Decision{
		Descriptor: providers.Descriptor{Name: "ds-a"},
		Class:      router.ClassPrimary,
		Model:      model,
	}, nil
}

type fixedPeriod struct {
	period int64
	limit  int64
}

func (p fixedPeriod) CurrentPeriod() int64 { return p.period }
func (p fixedPeriod) Limit() int64         { return p.limit }

type rejectAll struct{}

func (rejectAll) Check(context.Context, *Request) error {
	return &RejectedError{Rule: "blocklist", Reason: "prompt matched"}
}

type captureSink struct {
	err    error
	events []usage.Event
	mu     sync.Mutex
}

func (s *captureSink) Submit(ev usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func newCoordinator(t *testing.T) (*quota.Coordinator, *quota.MemoryLedger) {
	t.Helper()
	ledger := quota.NewMemoryLedger()
	c, err := quota.NewCoordinator(quota.Options{Ledger: ledger})
	require.NoError(t, err)
	return c, ledger
}

func newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	p, err := NewPipeline(opts)
	require.NoError(t, err)
	return p
}

func TestNewPipelineValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(Options{})
	require.Error(t, err)

	c, _ := newCoordinator(t)
	_, err = NewPipeline(Options{Router: &fakeRouter{}, Reserver: c})
	require.Error(t, err)
}

func TestAdmitRunsStepsInOrder(t *testing.T) {
	t.Parallel()

	c, ledger := newCoordinator(t)
	lim := &fakeLimiter{allow: true}
	rt := &fakeRouter{}
	p := newPipeline(t, Options{
		Limiter: lim, Reserver: c, Period: fixedPeriod{period: 4, limit: 1000}, Router: rt,
	})

	adm, err := p.Admit(context.Background(), Request{
		CallerID: "alice", RateKey: "k1", Model: "deepseek-chat", EstimatedTokens: 300,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, adm.RequestID)
	assert.Equal(t, int64(4), adm.Period)
	assert.Equal(t, int64(300), adm.Reserved)
	assert.Equal(t, "ds-a", adm.Decision.Descriptor.Name)
	assert.Equal(t, []string{"k1"}, lim.keys)
	require.Len(t, rt.callers, 1)
	assert.Equal(t, int64(300), rt.callers[0].Reserved)

	used, err := ledger.Used(context.Background(), quota.Key{CallerID: "alice", Period: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(300), used)
}

func TestAdmitRateLimitedSkipsQuota(t *testing.T) {
	t.Parallel()

	c, ledger := newCoordinator(t)
	rt := &fakeRouter{}
	p := newPipeline(t, Options{
		Limiter: &fakeLimiter{}, Reserver: c, Period: fixedPeriod{period: 1, limit: 1000}, Router: rt,
	})

	_, err := p.Admit(context.Background(), Request{CallerID: "alice", RateKey: "k"})
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, Classify(err))
	assert.Empty(t, rt.callers)

	used, err := ledger.Used(context.Background(), quota.Key{CallerID: "alice", Period: 1})
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestAdmitQuotaExceeded(t *testing.T) {
	t.Parallel()

	c, _ := newCoordinator(t)
	rt := &fakeRouter{}
	p := newPipeline(t, Options{Reserver: c, Period: fixedPeriod{period: 2, limit: 500}, Router: rt})

	_, err := p.Admit(context.Background(), Request{CallerID: "alice", EstimatedTokens: 400})
	require.NoError(t, err)

	_, err = p.Admit(context.Background(), Request{CallerID: "alice", EstimatedTokens: 400})
	require.Error(t, err)
	assert.Equal(t, KindQuotaExceeded, Classify(err))

	var qe *quota.ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(100), qe.Remaining)
	assert.Equal(t, int64(3), qe.ResetPeriod)
	assert.Len(t, rt.callers, 1)
}

func TestAdmitOwnKeySkipsQuota(t *testing.T) {
	t.Parallel()

	c, ledger := newCoordinator(t)
	rt := &fakeRouter{}
	p := newPipeline(t, Options{Reserver: c, Period: fixedPeriod{period: 1, limit: 10}, Router: rt})

	adm, err := p.Admit(context.Background(), Request{
		CallerID: "alice", ProviderType: "deepseek", APIKey: "sk-own", EstimatedTokens: 5000,
	})
	require.NoError(t, err)
	assert.Zero(t, adm.Reserved)
	assert.Equal(t, "sk-own", rt.callers[0].APIKey)

	used, err := ledger.Used(context.Background(), quota.Key{CallerID: "alice", Period: 1})
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestAdmitRollsBackReservation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rules RuleChecker
		route error
		kind  Kind
	}{
		{"rule rejection", rejectAll{}, nil, KindRejected},
		{"no healthy provider", nil, router.ErrNoHealthyProvider, KindNoHealthyProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, ledger := newCoordinator(t)
			p := newPipeline(t, Options{
				Reserver: c, Period: fixedPeriod{period: 1, limit: 1000},
				Rules: tt.rules, Router: &fakeRouter{err: tt.route},
			})

			_, err := p.Admit(context.Background(), Request{CallerID: "alice", EstimatedTokens: 250})
			require.Error(t, err)
			assert.Equal(t, tt.kind, Classify(err))

			used, err := ledger.Used(context.Background(), quota.Key{CallerID: "alice", Period: 1})
			require.NoError(t, err)
			assert.Zero(t, used)
		})
	}
}

func TestAdmitRequiresCaller(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, Options{Router: &fakeRouter{}})
	_, err := p.Admit(context.Background(), Request{})
	require.ErrorIs(t, err, ErrMissingCaller)
}

func TestCompleteSubmitsUsageEvent(t *testing.T) {
	t.Parallel()

	c, _ := newCoordinator(t)
	sink := &captureSink{}
	p := newPipeline(t, Options{
		Reserver: c, Period: fixedPeriod{period: 7, limit: 1000}, Router: &fakeRouter{}, Sink: sink,
	})

	adm, err := p.Admit(context.Background(), Request{
		RequestID: "req-1", CallerID: "alice", Model: "m", EstimatedTokens: 600,
	})
	require.NoError(t, err)
	require.NoError(t, p.Complete(context.Background(), adm, 150))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "alice", ev.CallerID)
	assert.Equal(t, "ds-a", ev.Provider)
	assert.Equal(t, int64(7), ev.Period)
	assert.Equal(t, int64(600), ev.Reserved)
	assert.Equal(t, int64(150), ev.ActualUsed)
}

func TestCompleteSettlesInlineWhenSinkRefuses(t *testing.T) {
	t.Parallel()

	c, ledger := newCoordinator(t)
	p := newPipeline(t, Options{
		Reserver: c, Period: fixedPeriod{period: 1, limit: 1000}, Router: &fakeRouter{},
		Sink: &captureSink{err: usage.ErrQueueFull},
	})

	adm, err := p.Admit(context.Background(), Request{CallerID: "alice", EstimatedTokens: 600})
	require.NoError(t, err)
	require.NoError(t, p.Complete(context.Background(), adm, 100))

	used, err := ledger.Used(context.Background(), quota.Key{CallerID: "alice", Period: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)
}

func TestCompleteWithoutReservationIsNoop(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := newPipeline(t, Options{Router: &fakeRouter{}, Sink: sink})
	adm, err := p.Admit(context.Background(), Request{CallerID: "alice"})
	require.NoError(t, err)
	require.NoError(t, p.Complete(context.Background(), adm, 10))
	assert.Empty(t, sink.events)
}

// TestPipelineEndToEnd wires the real limiter, coordinator and router over a
// mock provider pool.
func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	nop := zerolog.Nop()
	lim, err := ratelimit.New(config.RateLimitConfig{RequestsPerPeriod: 60, Burst: 10, WindowMS: 60_000},
		ratelimit.WithLogger(&nop))
	require.NoError(t, err)

	coord, _ := newCoordinator(t)
	view := quota.NewView(coord, quota.NewPeriodClock(mo.None[time.Time](), 0, 0), 1000)

	rt, err := router.New(router.Options{
		Quota:  view,
		Logger: &nop,
		Routing: config.RoutingConfig{
			Pools: []config.PoolConfig{{
				Name:      "primary",
				Class:     config.PoolClassPrimary,
				Providers: []config.ProviderConfig{{Name: "mock-a", Family: config.FamilyMock}},
			}},
		},
	})
	require.NoError(t, err)

	p := newPipeline(t, Options{Limiter: lim, Reserver: coord, Period: view, Router: rt})
	ctx := context.Background()

	first, err := p.Admit(ctx, Request{CallerID: "alice", RateKey: "k", EstimatedTokens: 400})
	require.NoError(t, err)
	_, err = p.Admit(ctx, Request{CallerID: "alice", RateKey: "k", EstimatedTokens: 600})
	require.NoError(t, err, "reserving exactly the remainder succeeds")

	_, err = p.Admit(ctx, Request{CallerID: "alice", RateKey: "k", EstimatedTokens: 1})
	assert.Equal(t, KindQuotaExceeded, Classify(err))

	resp, _, err := rt.Call(ctx, first.Decision, []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx, first, resp.Usage.TotalTokens))

	_, err = p.Admit(ctx, Request{CallerID: "alice", RateKey: "k", EstimatedTokens: 300})
	require.NoError(t, err)
}

func TestAdmitPropagatesStoreOutage(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, Options{
		Reserver: failingReserver{}, Period: fixedPeriod{period: 1, limit: 10}, Router: &fakeRouter{},
	})
	_, err := p.Admit(context.Background(), Request{CallerID: "alice"})
	require.ErrorIs(t, err, quota.ErrBackingStoreUnavailable)
	assert.Equal(t, KindBackingStoreUnavailable, Classify(err))
}

type failingReserver struct{}

func (failingReserver) TryReserve(context.Context, string, int64, int64, int64) (quota.Reservation, error) {
	return quota.Reservation{}, errors.Join(quota.ErrBackingStoreUnavailable, errors.New("dial tcp: refused"))
}

func (failingReserver) Release(context.Context, string, int64, int64) error {
	return quota.ErrBackingStoreUnavailable
}
