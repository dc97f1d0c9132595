// Package upstream talks to the multi-model router the gateway forwards
// masked payloads to. OpenRouter exposes an OpenAI-compatible API, so the
// client is the OpenAI SDK pointed at a different base URL.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

// Router dispatches a chat payload to the upstream model router.
// Implementations must not retry: retries are the caller's responsibility,
// otherwise a timed-out-but-billed call could be charged twice.
type Router interface {
	ChatCompletion(ctx context.Context, req models.ChatRequest) (*Completion, error)
}

// Completion is the subset of the upstream response the gateway consumes.
type Completion struct {
	Message openai.ChatCompletionMessage
	Usage   openai.Usage
	Model   string
}

// OpenRouter is the production Router backed by openrouter.ai.
type OpenRouter struct {
	client *openai.Client
}

// New creates an OpenRouter client. The timeout bounds the full upstream
// round-trip; an expired timeout surfaces as an error from ChatCompletion.
func New(apiKey, baseURL string, timeout time.Duration) *OpenRouter {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenRouter{client: openai.NewClientWithConfig(cfg)}
}

// ChatCompletion forwards the request and extracts the first choice.
func (p *OpenRouter) ChatCompletion(ctx context.Context, req models.ChatRequest) (*Completion, error) {
	upstreamReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}

	if req.Temperature != nil {
		upstreamReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		upstreamReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		upstreamReq.TopP = *req.TopP
	}

	resp, err := p.client.CreateChatCompletion(ctx, upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter returned no choices for model %s", req.Model)
	}

	return &Completion{
		Message: resp.Choices[0].Message,
		Usage:   resp.Usage,
		Model:   resp.Model,
	}, nil
}
