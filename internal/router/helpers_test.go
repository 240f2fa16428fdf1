package router

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/h-lu/llmGateway-sub000/internal/metrics"
	"github.com/h-lu/llmGateway-sub000/internal/providers"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	lastCtx context.Context
	fail    func(n int) error
	name    string
	delay   time.Duration
	calls   atomic.Int32
	mu      sync.Mutex
}

func newFake(name string) *fakeProvider {
	return &fakeProvider{name: name}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func (f *fakeProvider) enter(ctx context.Context) error {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.lastCtx = ctx
	f.mu.Unlock()
	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if f.fail != nil {
		return f.fail(n)
	}
	return nil
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	return &providers.ChatResponse{Provider: f.name, Model: req.Model}, nil
}

func (f *fakeProvider) StreamChat(ctx context.Context, _ *providers.ChatRequest) (*providers.Stream, error) {
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	return providers.NewStream(f.name, io.NopCloser(strings.NewReader("data: {}\n\ndata: [DONE]\n\n"))), nil
}

func (f *fakeProvider) context() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCtx
}

type fixedQuota struct {
	err       error
	remaining int64
	period    int64
}

func (q fixedQuota) Remaining(context.Context, string) (int64, error) { return q.remaining, q.err }

func (q fixedQuota) CurrentPeriod() int64 { return q.period }

func pool(name, class string, fakes ...*fakeProvider) config.PoolConfig {
	pc := config.PoolConfig{Name: name, Class: class}
	for _, f := range fakes {
		pc.Providers = append(pc.Providers, config.ProviderConfig{Name: f.name, Family: config.FamilyMock})
	}
	return pc
}

func zeroRetries() *int {
	n := 0
	return &n
}

// newTestRouter builds a router whose factory returns the given fakes by name.
func newTestRouter(t *testing.T, routing config.RoutingConfig, opts Options, fakes ...*fakeProvider) *Router {
	t.Helper()
	byName := make(map[string]*fakeProvider, len(fakes))
	for _, f := range fakes {
		byName[f.name] = f
	}
	opts.Routing = routing
	opts.Factory = func(d *providers.Descriptor) (providers.Provider, error) {
		if f, ok := byName[d.Name]; ok {
			return f, nil
		}
		return newFake(d.Name), nil
	}
	r, err := New(opts)
	require.NoError(t, err)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

// counterValue sums every series of the named counter.
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
