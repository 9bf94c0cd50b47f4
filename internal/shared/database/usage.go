package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/shopspring/decimal"
)

// InsertUsageRecord appends one immutable usage row.
func (db *DB) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, user_id, model, prompt_tokens, completion_tokens,
			total_tokens, cost_usd, is_estimated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := db.conn.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.CostUSD,
		rec.IsEstimated,
	)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// AggregateUsageSince sums a user's usage rows created at or after the given
// boundary into a quota window.
func (db *DB) AggregateUsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (models.QuotaWindow, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
	`

	var w models.QuotaWindow
	var cost decimal.Decimal
	err := db.conn.QueryRowContext(ctx, query, userID, since).Scan(&w.Requests, &w.Tokens, &cost)
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("database error: %w", err)
	}
	w.Cost = cost
	return w, nil
}
