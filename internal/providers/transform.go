package providers

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ExtractModel returns the payload's model field, or "" when absent.
func ExtractModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// PrepareBody applies the routing overrides to a chat payload: the model,
// the stream flag and, when withFallbacks is set, the "models" fallback list.
func PrepareBody(req *ChatRequest, stream, withFallbacks bool) ([]byte, error) {
	body := req.Body
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	var err error
	if req.Model != "" {
		if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
			return nil, err
		}
	}
	if body, err = sjson.SetBytes(body, "stream", stream); err != nil {
		return nil, err
	}
	if withFallbacks && len(req.FallbackModels) > 0 {
		if body, err = sjson.SetBytes(body, "models", req.FallbackModels); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// ParseUsage reads the usage block of an OpenAI-style response.
func ParseUsage(body []byte) Usage {
	u := gjson.GetBytes(body, "usage")
	usage := Usage{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// errorMessage extracts a readable message from an upstream error body.
func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "error", "message"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
