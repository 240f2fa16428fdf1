package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var olricPort atomic.Int32

func init() {
	olricPort.Store(13420)
}

func newTestRistretto(t *testing.T) *ristrettoCache {
	t.Helper()
	c, err := newRistrettoCache(DefaultRistrettoConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRistrettoSetIsVisibleImmediately(t *testing.T) {
	t.Parallel()

	c := newTestRistretto(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "quota:rec:alice:7", []byte(`{"used":10}`), time.Minute))
	got, err := c.Get(ctx, "quota:rec:alice:7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"used":10}`, string(got))

	require.NoError(t, c.SetWithTTL(ctx, "quota:rec:alice:7", []byte(`{"used":20}`), time.Minute))
	got, err = c.Get(ctx, "quota:rec:alice:7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"used":20}`, string(got))
}

func TestRistrettoReturnsCopies(t *testing.T) {
	t.Parallel()

	c := newTestRistretto(t)
	ctx := context.Background()
	value := []byte("abc")
	require.NoError(t, c.SetWithTTL(ctx, "k", value, time.Minute))
	value[0] = 'z'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[1] = 'z'

	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestRistrettoDeleteAndMiss(t *testing.T) {
	t.Parallel()

	c := newTestRistretto(t)
	ctx := context.Background()
	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRistrettoTTLExpires(t *testing.T) {
	t.Parallel()

	c := newTestRistretto(t)
	ctx := context.Background()
	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), 50*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "k")
		return errors.Is(err, ErrNotFound)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRistrettoClosed(t *testing.T) {
	t.Parallel()

	c, err := newRistrettoCache(DefaultRistrettoConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.SetWithTTL(context.Background(), "k", nil, time.Second), ErrClosed)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestRistrettoCanceledContext(t *testing.T) {
	t.Parallel()

	c := newTestRistretto(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	t.Parallel()

	c := newNoopCache()
	ctx := context.Background()
	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsProcessLocal(c))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Delete(ctx, "k"), ErrClosed)
}

func TestFactoryModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantLocal bool
		wantErr   bool
	}{
		{name: "single", cfg: Config{Mode: ModeSingle, Ristretto: DefaultRistrettoConfig()}, wantLocal: true},
		{name: "empty mode defaults to single", cfg: Config{Ristretto: DefaultRistrettoConfig()}, wantLocal: true},
		{name: "disabled", cfg: Config{Mode: ModeDisabled}, wantLocal: true},
		{name: "bad ristretto sizing", cfg: Config{Mode: ModeSingle}, wantErr: true},
		{name: "ha without addresses", cfg: Config{Mode: ModeHA}, wantErr: true},
		{name: "ha embedded without bind", cfg: Config{Mode: ModeHA, Olric: OlricConfig{Embedded: true}}, wantErr: true},
		{name: "unknown", cfg: Config{Mode: "memcached"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := New(context.Background(), &tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer c.Close()
			assert.Equal(t, tt.wantLocal, IsProcessLocal(c))
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, ModeSingle, cfg.Mode)
	assert.Equal(t, DefaultRistrettoConfig(), cfg.Ristretto)
	assert.Equal(t, "llm-gateway-quota", cfg.Olric.DMapName)
	assert.NoError(t, cfg.Validate())
}

func TestOlricEmbeddedRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded olric node")
	}

	port := olricPort.Add(1)
	cfg := OlricConfig{
		DMapName: fmt.Sprintf("test-quota-%d", port),
		Embedded: true,
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := newOlricCache(ctx, &cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, IsProcessLocal(c))
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.SetWithTTL(ctx, "quota:rec:bob:3", []byte("payload"), time.Minute))
	got, err := c.Get(ctx, "quota:rec:bob:3")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	require.NoError(t, c.Delete(ctx, "quota:rec:bob:3"))
	_, err = c.Get(ctx, "quota:rec:bob:3")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, c.Delete(ctx, "quota:rec:bob:3"))
}
