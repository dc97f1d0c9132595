package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// schema is applied at startup. Both tables are append-only: rows are never
// updated or deleted by the gateway. The llm_logs primary key enforces the
// one-record-per-request invariant at the store level.
const schema = `
CREATE TABLE IF NOT EXISTS spend_ledger (
	id BIGSERIAL PRIMARY KEY,
	api_key_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	cost_usd NUMERIC(12,6) NOT NULL,
	ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_spend_ledger_key_ts ON spend_ledger (api_key_hash, ts);

CREATE TABLE IF NOT EXISTS llm_logs (
	request_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT 'anonymous',
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	prompt_masked TEXT NOT NULL,
	response_masked TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_llm_logs_ts ON llm_logs (ts);
`

// New creates a new database connection and runs auto-migration
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks store reachability for health probes
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InsertSpendEntry appends a row to the cost ledger
func (db *DB) InsertSpendEntry(ctx context.Context, entry models.SpendLedgerEntry) error {
	query := `
		INSERT INTO spend_ledger (api_key_hash, model, cost_usd, ts)
		VALUES ($1, $2, $3, $4)
	`

	_, err := db.conn.ExecContext(ctx, query,
		entry.APIKeyHash,
		entry.Model,
		entry.CostUSD,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert spend entry: %w", err)
	}
	return nil
}

// DailySpend sums today's ledger entries for a key fingerprint. The window
// starts at since (UTC midnight for the budget guard); entries from earlier
// days never count.
func (db *DB) DailySpend(ctx context.Context, apiKeyHash string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM spend_ledger
		WHERE api_key_hash = $1 AND ts >= $2
	`

	var total float64
	if err := db.conn.QueryRowContext(ctx, query, apiKeyHash, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("daily spend query: %w", err)
	}
	return total, nil
}

// InsertLogRecord writes one observability record for a request attempt
func (db *DB) InsertLogRecord(ctx context.Context, rec models.LLMLogRecord) error {
	query := `
		INSERT INTO llm_logs (
			request_id, user_id, model, provider,
			prompt_masked, response_masked,
			input_tokens, output_tokens, cost_usd,
			latency_ms, status, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.RequestID,
		rec.UserID,
		rec.Model,
		rec.Provider,
		rec.PromptMasked,
		rec.ResponseMasked,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.LatencyMs,
		rec.Status,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}
