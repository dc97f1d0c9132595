package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errCode, message, requestID string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:     errCode,
		Message:   message,
		RequestID: requestID,
	})
}
