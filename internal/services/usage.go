package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"slide-guide/internal/cache"
	"slide-guide/internal/logger"
	"slide-guide/internal/models"
)

// UsageLedger persists who spent how many tokens on what. A nil ledger
// records nothing.
type UsageLedger struct {
	db  *sql.DB
	log *logger.Logger
}

func NewUsageLedger(db *sql.DB, log *logger.Logger) *UsageLedger {
	if log == nil {
		log = logger.Nop()
	}
	return &UsageLedger{db: db, log: log}
}

// SessionHash is the only session identity that is ever persisted.
func SessionHash(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:8])
}

// Record appends one event. Only provider calls carry token counts; hits
// and coalesced waits are stored at zero cost.
func (l *UsageLedger) Record(ctx context.Context, sessionID, action string, source cache.Source, resp cache.Response) error {
	if l == nil || l.db == nil {
		return nil
	}
	ev := models.UsageEvent{
		OccurredAt:  time.Now().UTC().Truncate(time.Second),
		SessionHash: SessionHash(sessionID),
		Action:      action,
		Source:      source.String(),
	}
	if source == cache.SourceProvider {
		ev.Model = resp.Model
		ev.InputTokens = resp.InputTokens
		ev.OutputTokens = resp.OutputTokens
	}

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_events (occurred_at, session_hash, action, model, input_tokens, output_tokens, source)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, ev.OccurredAt, ev.SessionHash, ev.Action, ev.Model, ev.InputTokens, ev.OutputTokens, ev.Source); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	l.log.Debug("usage recorded",
		"session_id", sessionID,
		"action", action,
		"source", ev.Source,
		"input_tokens", ev.InputTokens,
		"output_tokens", ev.OutputTokens,
	)
	return nil
}

// Totals sums events at or after since.
func (l *UsageLedger) Totals(ctx context.Context, since time.Time) (models.UsageTotals, error) {
	totals := models.UsageTotals{Since: since}
	if l == nil || l.db == nil {
		return totals, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT source, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_events
		WHERE occurred_at >= ?
		GROUP BY source;
	`, since.UTC().Truncate(time.Second))
	if err != nil {
		return totals, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			source        string
			count         int
			input, output int64
		)
		if err := rows.Scan(&source, &count, &input, &output); err != nil {
			return totals, fmt.Errorf("scan usage totals: %w", err)
		}
		switch source {
		case cache.SourceProvider.String():
			totals.ProviderCalls = count
		case cache.SourceCache.String():
			totals.CacheHits = count
		case cache.SourceCoalesced.String():
			totals.Coalesced = count
		}
		totals.InputTokens += input
		totals.OutputTokens += output
	}
	return totals, rows.Err()
}

// Recent returns the newest events first.
func (l *UsageLedger) Recent(ctx context.Context, limit int) ([]models.UsageEvent, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, occurred_at, session_hash, action, model, input_tokens, output_tokens, source
		FROM usage_events
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.OccurredAt,
			&ev.SessionHash,
			&ev.Action,
			&ev.Model,
			&ev.InputTokens,
			&ev.OutputTokens,
			&ev.Source,
		); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
