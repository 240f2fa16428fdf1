package providers

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMockProvider_ChatCompletion(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	p := NewMockProvider("mock", config.MockConfig{}, &logger)
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Body: []byte(`{"model":"m1","messages":[{"role":"user","content":"one two three"}]}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "m1", resp.Model)
	assert.Equal(t, int64(6), resp.Usage.PromptTokens)
	assert.GreaterOrEqual(t, resp.Usage.CompletionTokens, int64(20))
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	assert.Equal(t, "assistant", gjson.GetBytes(resp.Body, "choices.0.message.role").String())
}

func TestMockProvider_AlwaysFails(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	p := NewMockProvider("mock", config.MockConfig{FailureRate: 1}, &logger)
	_, err := p.ChatCompletion(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestMockProvider_DelayHonoursContext(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	p := NewMockProvider("mock", config.MockConfig{MinDelayMS: 5000, MaxDelayMS: 5000}, &logger)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.ChatCompletion(ctx, &ChatRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
}

func TestMockProvider_StreamChat(t *testing.T) {
	t.Parallel()

	logger := zerolog.Nop()
	p := NewMockProvider("mock", config.MockConfig{}, &logger)
	s, err := p.StreamChat(context.Background(), &ChatRequest{Model: "m2"})
	require.NoError(t, err)

	closed := false
	s.OnClose(func() { closed = true })

	var text string
	for {
		data, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "m2", gjson.GetBytes(data, "model").String())
		text += gjson.GetBytes(data, "choices.0.delta.content").String()
	}
	require.NoError(t, s.Close())
	assert.True(t, closed)
	assert.Equal(t, mockReply+" ", text)
}

func TestNew_Families(t *testing.T) {
	t.Parallel()

	tests := []struct {
		family  string
		wantErr bool
	}{
		{family: config.FamilyOpenAI},
		{family: config.FamilyAggregator},
		{family: config.FamilyMock},
		{family: "bedrock", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			t.Parallel()
			p, err := New(&Descriptor{Name: "p", Family: tt.family, BaseURL: "http://x"}, nil, nil)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownFamily)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "p", p.Name())
		})
	}
}

func TestDescriptorFromConfig_Timeouts(t *testing.T) {
	t.Parallel()

	pc := config.ProviderConfig{Name: "a"}
	assert.Equal(t, 15*time.Second, DescriptorFromConfig(&pc, "main", config.PoolClassPrimary).Timeout)
	assert.Equal(t, 30*time.Second, DescriptorFromConfig(&pc, "backup", config.PoolClassFallback).Timeout)
	assert.Equal(t, 1, DescriptorFromConfig(&pc, "main", config.PoolClassPrimary).Weight)
}
