package recorder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

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

func TestPersist(t *testing.T) {
	store := &fakeLogStore{}
	r := New(store)

	r.Persist(models.LLMLogRecord{
		RequestID:    "req-1",
		Model:        "openai/gpt-4o-mini",
		PromptMasked: "user: oi",
		Status:       models.StatusSuccess,
	})

	require.Len(t, store.records, 1)
	assert.Equal(t, "req-1", store.records[0].RequestID)
	assert.False(t, store.records[0].Timestamp.IsZero())
	assert.Zero(t, r.Dropped())
}

func TestPersistSwallowsStoreFailure(t *testing.T) {
	store := &fakeLogStore{insertErr: errors.New("connection reset")}
	r := New(store)

	// Must not panic or propagate; the drop is counted instead.
	r.Persist(models.LLMLogRecord{RequestID: "req-1", Status: models.StatusError})
	r.Persist(models.LLMLogRecord{RequestID: "req-2", Status: models.StatusSuccess})

	assert.Equal(t, int64(2), r.Dropped())
	assert.Empty(t, store.records)
}
