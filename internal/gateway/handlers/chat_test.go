package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmops-lab/blackbox-gateway/internal/gateway/budget"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pii"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pricing"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/recorder"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/tokenizer"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/upstream"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

type fakeLedger struct {
	todaySpend float64
	entries    []models.SpendLedgerEntry
}

func (f *fakeLedger) DailySpend(context.Context, string, time.Time) (float64, error) {
	return f.todaySpend, nil
}

func (f *fakeLedger) InsertSpendEntry(ctx context.Context, entry models.SpendLedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fakeLogStore struct {
	records   []models.LLMLogRecord
	insertErr error
}

func (f *fakeLogStore) InsertLogRecord(_ context.Context, rec models.LLMLogRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.records = append(f.records, rec)
	return nil
}

type fakeRouter struct {
	gotReq     *models.ChatRequest
	completion *upstream.Completion
	err        error
}

func (f *fakeRouter) ChatCompletion(_ context.Context, req models.ChatRequest) (*upstream.Completion, error) {
	f.gotReq = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

type chatFixture struct {
	handler  *ChatHandler
	ledger   *fakeLedger
	logStore *fakeLogStore
	router   *fakeRouter
	recorder *recorder.Recorder
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	f := &chatFixture{
		ledger:   &fakeLedger{},
		logStore: &fakeLogStore{},
		router: &fakeRouter{completion: &upstream.Completion{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "resposta do modelo",
			},
			Usage: openai.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
			Model: "openai/gpt-4o-mini",
		}},
	}
	f.recorder = recorder.New(f.logStore)
	f.handler = NewChatHandler(
		pii.NewDefault(),
		tokenizer.New(),
		pricing.Default(),
		budget.New(f.ledger, 15.00),
		f.router,
		f.recorder,
	)
	return f
}

func (f *chatFixture) post(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", &buf)
	w := httptest.NewRecorder()
	f.handler.HandleChat(w, req)
	return w
}

func chatBody(content string) models.ChatRequest {
	return models.ChatRequest{
		Model: "openai/gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
	}
}

func TestHandleChatSuccess(t *testing.T) {
	f := newChatFixture(t)

	w := f.post(t, chatBody("Qual a cotação da PETR4?"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "resposta do modelo", resp.Message.Content)
	assert.Equal(t, "openai/gpt-4o-mini", resp.Model)
	assert.Equal(t, 1500, resp.Usage.TotalTokens)
	// 1000 in at $0.10/1k + 500 out at $0.20/1k
	assert.InDelta(t, 0.20, resp.CostUSD, 1e-9)
	assert.NotEmpty(t, resp.RequestID)

	// Realized cost lands in the ledger, attributed to the anonymous key.
	require.Len(t, f.ledger.entries, 1)
	assert.InDelta(t, 0.20, f.ledger.entries[0].CostUSD, 1e-9)
	assert.Equal(t, budget.Fingerprint(""), f.ledger.entries[0].APIKeyHash)

	// Exactly one log record, tied to the response's request id.
	require.Len(t, f.logStore.records, 1)
	rec := f.logStore.records[0]
	assert.Equal(t, resp.RequestID, rec.RequestID)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, 1000, rec.InputTokens)
	assert.Equal(t, 500, rec.OutputTokens)
}

func TestHandleChatMasksOutboundAndLoggedPrompt(t *testing.T) {
	f := newChatFixture(t)

	w := f.post(t, chatBody("Meu CPF é 123.456.789-00"))
	require.Equal(t, http.StatusOK, w.Code)

	// The upstream never sees the original value.
	require.NotNil(t, f.router.gotReq)
	forwarded := f.router.gotReq.Messages[0].Content
	assert.Equal(t, "Meu CPF é ***.***.***-**", forwarded)

	// Neither does the log store.
	require.Len(t, f.logStore.records, 1)
	assert.Contains(t, f.logStore.records[0].PromptMasked, "***.***.***-**")
	assert.NotContains(t, f.logStore.records[0].PromptMasked, "123.456.789-00")
}

func TestHandleChatMasksResponse(t *testing.T) {
	f := newChatFixture(t)
	f.router.completion.Message.Content = "Confirmando envio para user@example.com"

	w := f.post(t, chatBody("manda o relatório"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "Confirmando envio para ***@***.***", resp.Message.Content)
	require.Len(t, f.logStore.records, 1)
	assert.NotContains(t, f.logStore.records[0].ResponseMasked, "user@example.com")
}

func TestHandleChatBudgetRejection(t *testing.T) {
	f := newChatFixture(t)
	f.ledger.todaySpend = 15.00

	w := f.post(t, chatBody("oi"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "budget_exceeded", resp.Error)
	assert.InDelta(t, 15.00, resp.CurrentSpendUSD, 1e-9)
	assert.InDelta(t, 15.00, resp.DailyLimitUSD, 1e-9)

	// No upstream call, no ledger entry, one rejected record.
	assert.Nil(t, f.router.gotReq)
	assert.Empty(t, f.ledger.entries)
	require.Len(t, f.logStore.records, 1)
	rec := f.logStore.records[0]
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Zero(t, rec.InputTokens)
	assert.Zero(t, rec.OutputTokens)
	assert.Zero(t, rec.CostUSD)
}

func TestHandleChatUpstreamFailure(t *testing.T) {
	f := newChatFixture(t)
	f.router.err = errors.New("openrouter chat completion: context deadline exceeded")

	w := f.post(t, chatBody("oi"))
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_error", resp.Error)
	assert.NotEmpty(t, resp.RequestID)

	// One error record with zero cost, one zero-cost ledger entry.
	require.Len(t, f.logStore.records, 1)
	rec := f.logStore.records[0]
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Equal(t, resp.RequestID, rec.RequestID)
	assert.Zero(t, rec.CostUSD)

	require.Len(t, f.ledger.entries, 1)
	assert.Zero(t, f.ledger.entries[0].CostUSD)
}

func TestHandleChatLedgerEntrySurvivesCallerDisconnect(t *testing.T) {
	f := newChatFixture(t)
	f.router.err = errors.New("openrouter chat completion: context canceled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(chatBody("oi")))
	req := httptest.NewRequest(http.MethodPost, "/chat", &buf).WithContext(ctx)
	w := httptest.NewRecorder()
	f.handler.HandleChat(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)

	// The zero-cost entry lands even though the request context is dead.
	require.Len(t, f.ledger.entries, 1)
	assert.Zero(t, f.ledger.entries[0].CostUSD)
}

func TestHandleChatValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"messages": [`},
		{"no messages", models.ChatRequest{Model: "openai/gpt-4o-mini"}},
		{"blank content", models.ChatRequest{
			Model:    "openai/gpt-4o-mini",
			Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "   "}},
		}},
		{"bad role", models.ChatRequest{
			Model:    "openai/gpt-4o-mini",
			Messages: []openai.ChatCompletionMessage{{Role: "tool", Content: "oi"}},
		}},
		{"unknown model", models.ChatRequest{
			Model:    "openai/gpt-99",
			Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "oi"}},
		}},
		{"streaming requested", models.ChatRequest{
			Model:    "openai/gpt-4o-mini",
			Stream:   true,
			Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "oi"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(t)

			w := f.post(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			// Nothing was processed: no upstream call, no records.
			assert.Nil(t, f.router.gotReq)
			assert.Empty(t, f.logStore.records)
			assert.Empty(t, f.ledger.entries)
		})
	}
}

func TestHandleChatDefaultsModel(t *testing.T) {
	f := newChatFixture(t)

	w := f.post(t, models.ChatRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "oi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai/gpt-4o-mini", f.router.gotReq.Model)
}

func TestHandleChatLogWriteFailureDoesNotFailResponse(t *testing.T) {
	f := newChatFixture(t)
	f.logStore.insertErr = errors.New("disk full")

	w := f.post(t, chatBody("oi"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), f.recorder.Dropped())
}
