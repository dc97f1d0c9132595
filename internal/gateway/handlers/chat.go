package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/llmops-lab/blackbox-gateway/internal/gateway/budget"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pii"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pricing"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/recorder"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/tokenizer"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/upstream"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

const (
	providerName = "openrouter"
	defaultModel = "openai/gpt-4o-mini"

	ledgerWriteTimeout = 5 * time.Second
)

var validRoles = map[string]bool{
	openai.ChatMessageRoleSystem:    true,
	openai.ChatMessageRoleUser:      true,
	openai.ChatMessageRoleAssistant: true,
}

// ChatHandler sequences the request lifecycle for POST /chat:
// mask, admit, dispatch, account, record. Every path past validation
// persists exactly one log record.
type ChatHandler struct {
	masker   *pii.Masker
	counter  *tokenizer.Counter
	catalog  *pricing.Catalog
	guard    *budget.Guard
	router   upstream.Router
	recorder *recorder.Recorder
}

func NewChatHandler(
	masker *pii.Masker,
	counter *tokenizer.Counter,
	catalog *pricing.Catalog,
	guard *budget.Guard,
	router upstream.Router,
	rec *recorder.Recorder,
) *ChatHandler {
	return &ChatHandler{
		masker:   masker,
		counter:  counter,
		catalog:  catalog,
		guard:    guard,
		router:   router,
		recorder: rec,
	}
}

// HandleChat handles POST /chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := uuid.NewString()
	fingerprint := FingerprintFromContext(ctx)

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", requestID)
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	// Validation failures short-circuit before masking; nothing was
	// processed, so no log record is written for them.
	if msg := validate(req, h.catalog); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg, requestID)
		return
	}

	logger := log.With().
		Str("request_id", requestID).
		Str("model", req.Model).
		Str("fingerprint", fingerprint[:8]).
		Logger()

	// Mask before anything leaves the gateway or touches the log store.
	masked := h.maskMessages(requestID, req.Messages)
	maskedReq := req
	maskedReq.Messages = masked
	promptText := flattenMessages(masked)

	// Admission uses an input-only estimate; the realized cost recorded
	// later includes the completion.
	estimate := h.estimateCost(maskedReq)

	decision, err := h.guard.Admit(ctx, fingerprint, estimate)
	if err != nil {
		// Ledger unreachable: admit rather than hard-fail every caller,
		// but make noise about it.
		logger.Warn().Err(err).Msg("budget check unavailable, admitting request")
		decision = budget.Decision{Allowed: true}
	}

	if !decision.Allowed {
		logger.Warn().
			Float64("current_spend_usd", decision.CurrentSpendUSD).
			Float64("daily_limit_usd", decision.LimitUSD).
			Msg("request rejected by budget guard")

		h.recorder.Persist(models.LLMLogRecord{
			RequestID:    requestID,
			UserID:       userID(req),
			Model:        req.Model,
			Provider:     providerName,
			PromptMasked: promptText,
			LatencyMs:    int(time.Since(start).Milliseconds()),
			Status:       models.StatusRejected,
		})

		writeJSON(w, http.StatusTooManyRequests, models.ErrorResponse{
			Error: "budget_exceeded",
			Message: fmt.Sprintf(
				"daily budget exceeded: spent $%.2f of $%.2f, window resets at 00:00 UTC",
				decision.CurrentSpendUSD, decision.LimitUSD),
			RequestID:       requestID,
			CurrentSpendUSD: decision.CurrentSpendUSD,
			DailyLimitUSD:   decision.LimitUSD,
		})
		return
	}

	completion, err := h.router.ChatCompletion(ctx, maskedReq)
	if err != nil {
		latency := int(time.Since(start).Milliseconds())
		logger.Error().Err(err).Int("latency_ms", latency).Msg("upstream call failed")

		// The upstream client surfaces no usage on failure, so no cost
		// was confirmed billed; the ledger gets a zero-cost entry.
		if recErr := h.recordSpend(models.SpendLedgerEntry{
			APIKeyHash: fingerprint,
			Model:      req.Model,
			CostUSD:    0,
		}); recErr != nil {
			logger.Error().Err(recErr).Msg("failed to record zero-cost ledger entry")
		}

		h.recorder.Persist(models.LLMLogRecord{
			RequestID:      requestID,
			UserID:         userID(req),
			Model:          req.Model,
			Provider:       providerName,
			PromptMasked:   promptText,
			ResponseMasked: err.Error(),
			LatencyMs:      latency,
			Status:         models.StatusError,
		})

		writeError(w, http.StatusBadGateway, "upstream_error",
			"upstream model router failed to complete the request", requestID)
		return
	}

	// Responses are masked too: the model can echo PII it was prompted
	// with before masking existed in the conversation history.
	responseText := h.masker.Mask(completion.Message.Content)
	completion.Message.Content = responseText

	cost := h.catalog.Cost(req.Model, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	latency := int(time.Since(start).Milliseconds())

	// Store failures past this point degrade observability but never the
	// response: the caller already paid for a valid completion.
	if err := h.recordSpend(models.SpendLedgerEntry{
		APIKeyHash: fingerprint,
		Model:      req.Model,
		CostUSD:    cost,
	}); err != nil {
		logger.Error().Err(err).Float64("cost_usd", cost).Msg("failed to record spend")
	}

	h.recorder.Persist(models.LLMLogRecord{
		RequestID:      requestID,
		UserID:         userID(req),
		Model:          req.Model,
		Provider:       providerName,
		PromptMasked:   promptText,
		ResponseMasked: responseText,
		InputTokens:    completion.Usage.PromptTokens,
		OutputTokens:   completion.Usage.CompletionTokens,
		CostUSD:        cost,
		LatencyMs:      latency,
		Status:         models.StatusSuccess,
	})

	logger.Info().
		Int("total_tokens", completion.Usage.TotalTokens).
		Float64("cost_usd", cost).
		Int("latency_ms", latency).
		Msg("chat completion done")

	writeJSON(w, http.StatusOK, models.ChatResponse{
		Message:   completion.Message,
		Model:     req.Model,
		Usage:     completion.Usage,
		CostUSD:   cost,
		LatencyMs: latency,
		CreatedAt: time.Now().UTC(),
		RequestID: requestID,
	})
}

// validate returns an error message for client mistakes, empty when the
// request is acceptable.
func validate(req models.ChatRequest, catalog *pricing.Catalog) string {
	if len(req.Messages) == 0 {
		return "messages must not be empty"
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return fmt.Sprintf("messages[%d]: unknown role %q", i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Sprintf("messages[%d]: content must not be empty", i)
		}
	}
	if req.Stream {
		return "streaming is not supported"
	}
	if !catalog.Has(req.Model) {
		return fmt.Sprintf("unknown model %q, see GET /models", req.Model)
	}
	return ""
}

// maskMessages redacts every message content, logging which PII types were
// seen (types only, never values).
func (h *ChatHandler) maskMessages(requestID string, messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	masked := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		if types := h.masker.DetectTypes(msg.Content); len(types) > 0 {
			log.Warn().
				Str("request_id", requestID).
				Strs("pii_types", types).
				Msg("pii detected and masked")
		}
		msg.Content = h.masker.Mask(msg.Content)
		masked[i] = msg
	}
	return masked
}

// recordSpend appends a ledger entry on a detached context. The request
// context may already be canceled by a caller disconnect, and the entry must
// land regardless, like the log record does.
func (h *ChatHandler) recordSpend(entry models.SpendLedgerEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	return h.guard.Record(ctx, entry)
}

// estimateCost projects the input cost for admission. When the tokenizer
// cannot load an encoding, a rough chars/4 approximation keeps admission
// working instead of failing the request.
func (h *ChatHandler) estimateCost(req models.ChatRequest) float64 {
	tokens, err := h.counter.CountMessages(req.Messages, req.Model)
	if err != nil {
		chars := 0
		for _, msg := range req.Messages {
			chars += len(msg.Content)
		}
		tokens = chars / 4
		log.Warn().Err(err).Int("approx_tokens", tokens).Msg("tokenizer unavailable, using char estimate")
	}
	return h.catalog.EstimateInputCost(req.Model, tokens)
}

// flattenMessages builds the stored prompt text, one "role: content" line
// per message. Contents must already be masked.
func flattenMessages(messages []openai.ChatCompletionMessage) string {
	lines := make([]string, len(messages))
	for i, msg := range messages {
		lines[i] = msg.Role + ": " + msg.Content
	}
	return strings.Join(lines, "\n")
}

func userID(req models.ChatRequest) string {
	if req.UserID == "" {
		return "anonymous"
	}
	return req.UserID
}
