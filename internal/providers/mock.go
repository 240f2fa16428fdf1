package providers

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const mockReply = "This is a mock response for testing purposes."

// MockProvider simulates an upstream without network calls. Responses are
// delayed by a random duration in [min_delay, max_delay] and fail with the
// configured probability.
type MockProvider struct {
	logger *zerolog.Logger
	name   string
	cfg    config.MockConfig
}

// NewMockProvider creates a mock provider.
func NewMockProvider(name string, cfg config.MockConfig, logger *zerolog.Logger) *MockProvider {
	return &MockProvider{name: name, cfg: cfg, logger: logger}
}

// Name implements Provider.
func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if m := ExtractModel(req.Body); m != "" {
		return m
	}
	return "mock-model"
}

// simulate sleeps for the configured delay and rolls the failure dice.
func (p *MockProvider) simulate(ctx context.Context) error {
	lo, hi := p.cfg.MinDelayMS, p.cfg.MaxDelayMS
	if hi < lo {
		hi = lo
	}
	delay := time.Duration(lo) * time.Millisecond
	if hi > lo {
		delay += time.Duration(rand.IntN(hi-lo+1)) * time.Millisecond //nolint:gosec // simulation only
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if p.cfg.FailureRate > 0 && rand.Float64() < p.cfg.FailureRate { //nolint:gosec // simulation only
		return &UpstreamError{Provider: p.name, StatusCode: 503, Message: ErrSimulatedFault.Error()}
	}
	return nil
}

// ChatCompletion implements Provider.
func (p *MockProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}

	model := p.model(req)
	prompt := lastUserMessage(req.Body)
	promptTokens := int64(len(strings.Fields(prompt)) * 2)
	if promptTokens == 0 {
		promptTokens = 10
	}
	completionTokens := int64(20 + rand.IntN(81)) //nolint:gosec // simulation only

	body := []byte(`{"object":"chat.completion"}`)
	body, _ = sjson.SetBytes(body, "id", "chatcmpl-"+strings.ReplaceAll(uuid.NewString(), "-", "")[:24])
	body, _ = sjson.SetBytes(body, "created", time.Now().Unix())
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "choices.0.index", 0)
	body, _ = sjson.SetBytes(body, "choices.0.message.role", "assistant")
	body, _ = sjson.SetBytes(body, "choices.0.message.content", mockReply)
	body, _ = sjson.SetBytes(body, "choices.0.finish_reason", "stop")
	body, _ = sjson.SetBytes(body, "usage.prompt_tokens", promptTokens)
	body, _ = sjson.SetBytes(body, "usage.completion_tokens", completionTokens)
	body, _ = sjson.SetBytes(body, "usage.total_tokens", promptTokens+completionTokens)

	p.logger.Debug().Str("provider", p.name).Str("model", model).Msg("mock completion")
	return &ChatResponse{Provider: p.name, Model: model, Body: body, Usage: ParseUsage(body)}, nil
}

// StreamChat implements Provider. The reply is emitted in a handful of chunks.
func (p *MockProvider) StreamChat(ctx context.Context, req *ChatRequest) (*Stream, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}

	model := p.model(req)
	id := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	pr, pw := io.Pipe()
	go func() {
		words := strings.Fields(mockReply)
		size := max(1, len(words)/5)
		for i := 0; i < len(words); i += size {
			chunk := strings.Join(words[i:min(i+size, len(words))], " ") + " "
			data := []byte(`{"object":"chat.completion.chunk"}`)
			data, _ = sjson.SetBytes(data, "id", id)
			data, _ = sjson.SetBytes(data, "model", model)
			data, _ = sjson.SetBytes(data, "choices.0.index", 0)
			data, _ = sjson.SetBytes(data, "choices.0.delta.content", chunk)
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", data); err != nil {
				return
			}
		}
		_, _ = io.WriteString(pw, "data: [DONE]\n\n")
		_ = pw.Close()
	}()
	return NewStream(p.name, pr), nil
}

// HealthCheck implements Provider. Mock providers are always healthy.
func (p *MockProvider) HealthCheck(context.Context) error { return nil }

func lastUserMessage(body []byte) string {
	msgs := gjson.GetBytes(body, "messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() == "user" {
			return msgs[i].Get("content").String()
		}
	}
	return ""
}
