// Package budget enforces the rolling per-key daily spend limit.
//
// Accounting is two-phase: admission uses an estimated cost derived from the
// prompt alone, the ledger entry written after completion carries the
// realized cost. An admitted request can therefore overshoot the limit by at
// most one completion's worth of spend; strict atomicity across the upstream
// round-trip is intentionally not attempted.
package budget

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/llmops-lab/blackbox-gateway/internal/shared/models"
)

// Ledger is the durable spend store. Every admission decision re-derives the
// aggregate from here so the guard stays correct across gateway replicas.
type Ledger interface {
	DailySpend(ctx context.Context, apiKeyHash string, since time.Time) (float64, error)
	InsertSpendEntry(ctx context.Context, entry models.SpendLedgerEntry) error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed         bool
	CurrentSpendUSD float64
	LimitUSD        float64
}

// Guard admits or rejects requests against the daily budget.
type Guard struct {
	ledger        Ledger
	dailyLimitUSD float64
}

// New creates a Guard with the given ledger and daily limit in USD.
func New(ledger Ledger, dailyLimitUSD float64) *Guard {
	return &Guard{ledger: ledger, dailyLimitUSD: dailyLimitUSD}
}

// Fingerprint returns the one-way SHA-256 hash of a raw API key. Requests
// without a key share the "anonymous" fingerprint. The raw key never reaches
// the store or the logs.
func Fingerprint(apiKey string) string {
	if apiKey == "" {
		apiKey = "anonymous"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// DayStart returns UTC midnight of the day containing now. The budget window
// resets here because every aggregation is scoped to entries at or after it.
func DayStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Admit checks projected spend against the daily limit. The request is
// rejected when current spend plus the estimate reaches the limit.
func (g *Guard) Admit(ctx context.Context, apiKeyHash string, estimatedCostUSD float64) (Decision, error) {
	spend, err := g.ledger.DailySpend(ctx, apiKeyHash, DayStart(time.Now()))
	if err != nil {
		return Decision{}, fmt.Errorf("budget admission: %w", err)
	}

	return Decision{
		Allowed:         spend+estimatedCostUSD < g.dailyLimitUSD,
		CurrentSpendUSD: spend,
		LimitUSD:        g.dailyLimitUSD,
	}, nil
}

// Record appends a realized-cost entry to the ledger. Called once per
// dispatched request regardless of how far past admission it got; zero-cost
// entries are valid for calls that never reached the upstream billing.
func (g *Guard) Record(ctx context.Context, entry models.SpendLedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := g.ledger.InsertSpendEntry(ctx, entry); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}
