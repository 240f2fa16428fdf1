package health

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober is the lightweight health check a provider exposes.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// ProviderState is the health of a single provider.
type ProviderState struct {
	LastChecked time.Time `json:"last_checked"`
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
}

// ChangeFunc is invoked after a provider's health value is written.
type ChangeFunc func(name string, healthy bool)

// Monitor owns the HealthState map. A background loop probes every registered
// provider on a fixed interval; inline failures reported through MarkUnhealthy
// take effect immediately.
type Monitor struct {
	ctx      context.Context
	states   map[string]*ProviderState
	probes   map[string]Prober
	logger   *zerolog.Logger
	cancel   context.CancelFunc
	now      func() time.Time
	onChange ChangeFunc
	order    []string
	config   ProbeConfig
	wg       sync.WaitGroup
	mu       sync.RWMutex
	started  bool
}

// NewMonitor creates a Monitor. Call Register for each provider, then Start.
func NewMonitor(cfg ProbeConfig, logger *zerolog.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]*ProviderState),
		probes: make(map[string]Prober),
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// OnChange registers a hook that observes every health write.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Register adds a provider. Newly registered providers start healthy.
func (m *Monitor) Register(p Prober) {
	m.mu.Lock()
	name := p.Name()
	if _, exists := m.probes[name]; !exists {
		m.order = append(m.order, name)
	}
	m.probes[name] = p
	m.states[name] = &ProviderState{Name: name, Healthy: true, LastChecked: m.now()}
	hook := m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(name, true)
	}
}

// IsHealthy reports the current health of name. Unknown providers are
// considered healthy so that transient per-caller providers are never refused.
func (m *Monitor) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return true
	}
	return st.Healthy
}

// IsHealthyFunc returns a closure bound to name, suitable for router.ProviderInfo.
func (m *Monitor) IsHealthyFunc(name string) func() bool {
	return func() bool {
		return m.IsHealthy(name)
	}
}

// MarkUnhealthy records an inline failure. It never marks a provider healthy.
func (m *Monitor) MarkUnhealthy(name string, cause error) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasHealthy := st.Healthy
	st.Healthy = false
	st.LastChecked = m.now()
	hook := m.onChange
	m.mu.Unlock()

	if wasHealthy && m.logger != nil {
		m.logger.Warn().Str("provider", name).Err(cause).Msg("provider marked unhealthy")
	}
	if hook != nil {
		hook(name, false)
	}
}

// Snapshot returns the states in registration order.
func (m *Monitor) Snapshot() []ProviderState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProviderState, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.states[name])
	}
	return out
}

// CheckAll probes every registered provider concurrently and writes the results.
func (m *Monitor) CheckAll(ctx context.Context) map[string]bool {
	m.mu.RLock()
	probes := make([]Prober, 0, len(m.probes))
	for _, name := range m.order {
		probes = append(probes, m.probes[name])
	}
	m.mu.RUnlock()

	results := make(map[string]bool, len(probes))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p Prober) {
			defer wg.Done()
			healthy := m.probe(ctx, p)
			resMu.Lock()
			results[p.Name()] = healthy
			resMu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}

func (m *Monitor) probe(ctx context.Context, p Prober) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.GetTimeout())
	err := p.HealthCheck(probeCtx)
	cancel()

	name := p.Name()
	healthy := err == nil

	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return healthy
	}
	changed := st.Healthy != healthy
	st.Healthy = healthy
	st.LastChecked = m.now()
	hook := m.onChange
	m.mu.Unlock()

	if changed && m.logger != nil {
		event := m.logger.Info()
		if !healthy {
			event = m.logger.Warn().Err(err)
		}
		event.Str("provider", name).Bool("healthy", healthy).Msg("provider health changed")
	}
	if hook != nil {
		hook(name, healthy)
	}
	return healthy
}

// Start runs one probe cycle immediately and then one per interval until Stop.
func (m *Monitor) Start() {
	if !m.config.IsEnabled() {
		if m.logger != nil {
			m.logger.Info().Msg("health monitor disabled")
		}
		return
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	interval := m.config.GetInterval()
	// Jitter keeps instances sharing an upstream from probing in lockstep.
	jitter := cryptoRandDuration(2 * time.Second)
	ticker := time.NewTicker(interval + jitter)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		if m.logger != nil {
			m.logger.Info().
				Dur("interval", interval).
				Dur("jitter", jitter).
				Msg("health monitor started")
		}

		m.CheckAll(m.ctx)
		for {
			select {
			case <-m.ctx.Done():
				if m.logger != nil {
					m.logger.Info().Msg("health monitor stopped")
				}
				return
			case <-ticker.C:
				m.CheckAll(m.ctx)
			}
		}
	}()
}

// Stop cancels in-flight probes and waits for the loop to exit, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cryptoRandDuration returns a cryptographically random duration between 0 and maxDur.
func cryptoRandDuration(maxDur time.Duration) time.Duration {
	if maxDur <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.LittleEndian.Uint64(b[:])
	//nolint:gosec // G115: maxDur is positive
	return time.Duration(n % uint64(maxDur))
}
