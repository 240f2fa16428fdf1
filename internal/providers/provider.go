// Package providers defines the upstream LLM capability interface and its
// families: openai (OpenAI-compatible HTTP), aggregator (OpenAI-compatible HTTP
// that forwards a list of fallback models) and mock.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/config"
	"github.com/rs/zerolog"
)

// Provider is the capability every upstream family implements.
type Provider interface {
	// Name returns the provider identifier, unique across pools.
	Name() string

	// ChatCompletion sends a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChat opens a streaming chat completion. The returned Stream must be closed.
	StreamChat(ctx context.Context, req *ChatRequest) (*Stream, error)

	// HealthCheck performs a lightweight liveness call.
	HealthCheck(ctx context.Context) error
}

// ChatRequest is an OpenAI-style chat payload plus routing overrides.
type ChatRequest struct {
	// Body is the caller's JSON payload (model, messages, temperature, ...).
	Body []byte

	// Model replaces the payload model when set.
	Model string

	// FallbackModels is forwarded by families that support upstream model fallback.
	FallbackModels []string
}

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResponse is a completed upstream call.
type ChatResponse struct {
	Provider string
	Model    string
	Body     []byte
	Usage    Usage
}

// Descriptor is the immutable description of one upstream endpoint and credential.
type Descriptor struct {
	Name           string
	Family         string
	BaseURL        string
	APIKey         string
	DefaultModel   string
	ModelPrefix    string
	Pool           string
	Class          string
	FallbackModels []string
	Cost           config.CostConfig
	Mock           config.MockConfig
	Timeout        time.Duration
	Weight         int
}

// DescriptorFromConfig builds a descriptor for a provider in the given pool.
func DescriptorFromConfig(pc *config.ProviderConfig, pool, class string) Descriptor {
	return Descriptor{
		Name:           pc.Name,
		Family:         pc.GetFamily(),
		BaseURL:        pc.BaseURL,
		APIKey:         pc.APIKey,
		DefaultModel:   pc.DefaultModel,
		ModelPrefix:    pc.ModelPrefix,
		Pool:           pool,
		Class:          class,
		FallbackModels: pc.FallbackModels,
		Cost:           pc.Cost,
		Mock:           pc.Mock,
		Timeout:        pc.GetTimeout(class),
		Weight:         pc.GetWeight(),
	}
}

// New creates the provider for d. client may be nil, in which case a default
// client without an overall timeout is used; per-call timeouts come from ctx.
func New(d *Descriptor, client *http.Client, logger *zerolog.Logger) (Provider, error) {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	switch d.Family {
	case config.FamilyOpenAI, "":
		return NewOpenAIProvider(d.Name, d.BaseURL, d.APIKey, client, false), nil
	case config.FamilyAggregator:
		return NewOpenAIProvider(d.Name, d.BaseURL, d.APIKey, client, true), nil
	case config.FamilyMock:
		return NewMockProvider(d.Name, d.Mock, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, d.Family)
	}
}
