package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

func newTestRouter(t *testing.T, handler http.HandlerFunc) *OpenRouter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", srv.URL, 2*time.Second)
}

func TestChatCompletion(t *testing.T) {
	var gotBody openai.ChatCompletionRequest
	router := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "openai/gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "olá!",
				},
			}},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17},
		})
	})

	temp := float32(0.7)
	resp, err := router.ChatCompletion(context.Background(), models.ChatRequest{
		Model: "openai/gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "oi"},
		},
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Equal(t, "olá!", resp.Message.Content)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, "openai/gpt-4o-mini", resp.Model)

	assert.Equal(t, "openai/gpt-4o-mini", gotBody.Model)
	assert.InDelta(t, 0.7, gotBody.Temperature, 1e-6)
}

func TestChatCompletionUpstreamError(t *testing.T) {
	router := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "model overloaded"}}`, http.StatusBadGateway)
	})

	_, err := router.ChatCompletion(context.Background(), models.ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "oi"}},
	})
	assert.Error(t, err)
}

func TestChatCompletionNoChoices(t *testing.T) {
	router := newTestRouter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{Model: "openai/gpt-4o-mini"})
	})

	_, err := router.ChatCompletion(context.Background(), models.ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "oi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestChatCompletionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	// Client timeout far shorter than the upstream's response time.
	router := New("test-key", srv.URL, 50*time.Millisecond)

	_, err := router.ChatCompletion(context.Background(), models.ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "oi"}},
	})
	assert.Error(t, err)
}
