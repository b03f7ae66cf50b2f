package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/jackc/pgx/v5"
)

// ClaimWebhookEvent inserts or reclaims the marker in a single upsert so two
// deliveries of the same event cannot both win.
func (s *Store) ClaimWebhookEvent(ctx context.Context, ev *models.WebhookEvent, staleAfter time.Duration) (bool, *models.WebhookEvent, error) {
	now := s.now()
	var id string
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO webhook_events
			(event_id, event_type, status, attempts, payload, processing_started_at, created_at)
		VALUES ($1, $2, 'processing', 1, $3, $4, $4)
		ON CONFLICT (event_id) DO UPDATE SET
			status = 'processing',
			attempts = webhook_events.attempts + 1,
			processing_started_at = EXCLUDED.processing_started_at,
			error_message = NULL
		WHERE webhook_events.status = 'failed'
		   OR (webhook_events.status = 'processing' AND webhook_events.processing_started_at < $5)
		RETURNING event_id
	`, ev.EventID, ev.EventType, ev.Payload, now, now.Add(-staleAfter)).Scan(&id)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}

	existing, err := s.GetWebhookEvent(ctx, ev.EventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *Store) CompleteWebhookEvent(ctx context.Context, eventID string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE webhook_events SET status = 'completed', completed_at = $2, error_message = NULL
		WHERE event_id = $1
	`, eventID, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FailWebhookEvent(ctx context.Context, eventID, message string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE webhook_events SET status = 'failed', error_message = $2
		WHERE event_id = $1
	`, eventID, message)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const webhookColumns = `
	event_id, event_type, status, attempts, payload, COALESCE(error_message, ''),
	processing_started_at, completed_at, created_at`

func scanWebhook(row pgx.Row) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var status string
	if err := row.Scan(&ev.EventID, &ev.EventType, &status, &ev.Attempts, &ev.Payload, &ev.ErrorMessage,
		&ev.ProcessingStartedAt, &ev.CompletedAt, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Status = models.WebhookStatus(status)
	return &ev, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	ev, err := scanWebhook(s.db.Pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if err != nil {
		return nil, notFound(err)
	}
	return ev, nil
}

func (s *Store) ListFailedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *Store) PurgeWebhookEvents(ctx context.Context, completedBefore time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM webhook_events WHERE status = 'completed' AND completed_at < $1
	`, completedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FailStaleWebhookEvents(ctx context.Context, startedBefore time.Time, message string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		UPDATE webhook_events SET status = 'failed', error_message = $2
		WHERE status = 'processing' AND processing_started_at < $1
		RETURNING event_id
	`, startedBefore, message)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale webhooks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
