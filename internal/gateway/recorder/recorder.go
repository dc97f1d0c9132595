// Package recorder persists one observability record per request attempt.
package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

// LogStore is the durable request log.
type LogStore interface {
	InsertLogRecord(ctx context.Context, rec models.LLMLogRecord) error
}

const persistTimeout = 5 * time.Second

// Recorder wraps the log store with the gateway's write policy: a failed
// write never fails the user-facing response, but it is logged and counted
// so operators can alert on dropped records.
type Recorder struct {
	store   LogStore
	dropped atomic.Int64
}

// New creates a Recorder backed by the given store.
func New(store LogStore) *Recorder {
	return &Recorder{store: store}
}

// Persist writes the record. Runs on a detached context so a canceled or
// timed-out request still gets its record written.
func (r *Recorder) Persist(rec models.LLMLogRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.store.InsertLogRecord(ctx, rec); err != nil {
		r.dropped.Add(1)
		log.Error().
			Err(err).
			Str("request_id", rec.RequestID).
			Str("status", rec.Status).
			Msg("failed to persist llm log record")
	}
}

// Dropped returns how many records failed to persist since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}
