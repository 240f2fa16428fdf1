package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// OpenAIProvider talks to an OpenAI-compatible /chat/completions endpoint.
// With fallbacks enabled it forwards the request's fallback models as the
// "models" field, which aggregators use to retry other models upstream.
type OpenAIProvider struct {
	client    *http.Client
	name      string
	baseURL   string
	apiKey    string
	fallbacks bool
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(name, baseURL, apiKey string, client *http.Client, fallbacks bool) *OpenAIProvider {
	return &OpenAIProvider{
		client:    client,
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		fallbacks: fallbacks,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// ChatCompletion implements Provider.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := PrepareBody(req, false, p.fallbacks)
	if err != nil {
		return nil, fmt.Errorf("providers: build request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("providers: %s: read response: %w", p.name, err)
	}
	return &ChatResponse{
		Provider: p.name,
		Model:    ExtractModel(raw),
		Body:     raw,
		Usage:    ParseUsage(raw),
	}, nil
}

// StreamChat implements Provider.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req *ChatRequest) (*Stream, error) {
	body, err := PrepareBody(req, true, p.fallbacks)
	if err != nil {
		return nil, fmt.Errorf("providers: build request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	return NewStream(p.name, resp.Body), nil
}

// HealthCheck calls GET /models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// do sends the request and converts non-2xx responses into *UpstreamError.
func (p *OpenAIProvider) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader = http.NoBody
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("providers: %s: %w", p.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("providers: %s: %w", p.name, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &UpstreamError{Provider: p.name, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	return resp, nil
}
