package models

import (
	"time"

	"github.com/sashabaranov/go-openai"
)

// Request status values recorded in llm_logs.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Model       string                         `json:"model"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
	UserID      string                         `json:"user_id,omitempty"`
}

// ChatResponse is the body returned by POST /chat on success.
type ChatResponse struct {
	Message   openai.ChatCompletionMessage `json:"message"`
	Model     string                       `json:"model"`
	Usage     openai.Usage                 `json:"usage"`
	CostUSD   float64                      `json:"cost_usd"`
	LatencyMs int                          `json:"latency_ms"`
	CreatedAt time.Time                    `json:"created_at"`
	RequestID string                       `json:"request_id"`
}

// ErrorResponse is the body returned on any non-2xx outcome.
type ErrorResponse struct {
	Error           string  `json:"error"`
	Message         string  `json:"message"`
	RequestID       string  `json:"request_id,omitempty"`
	CurrentSpendUSD float64 `json:"current_spend_usd,omitempty"`
	DailyLimitUSD   float64 `json:"daily_limit_usd,omitempty"`
}

// SpendLedgerEntry is one append-only row in spend_ledger.
// APIKeyHash is a one-way SHA-256 fingerprint; the raw key is never stored.
type SpendLedgerEntry struct {
	APIKeyHash string
	Model      string
	CostUSD    float64
	Timestamp  time.Time
}

// LLMLogRecord is one row in llm_logs, written exactly once per request
// attempt regardless of outcome. Prompt and response are stored masked.
type LLMLogRecord struct {
	RequestID      string
	UserID         string
	Model          string
	Provider       string
	PromptMasked   string
	ResponseMasked string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	LatencyMs      int
	Status         string
	Timestamp      time.Time
}

// ModelInfo describes one catalog entry returned by GET /models.
type ModelInfo struct {
	ID              string  `json:"id" yaml:"id"`
	Name            string  `json:"name" yaml:"name"`
	Provider        string  `json:"provider" yaml:"provider"`
	InputCostPer1k  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1k float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
	ContextWindow   int     `json:"context_window" yaml:"context_window"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// ModelsResponse is the body returned by GET /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
	Total  int         `json:"total"`
}

// HealthResponse is the body returned by GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}
