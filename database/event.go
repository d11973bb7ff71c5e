package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/fluxsync/fluxsync/internal/apierror"
	"github.com/fluxsync/fluxsync/model"
)

// RecordEvent inserts a freshly accepted delivery. A unique violation
// on idempotency_hash means another worker recorded the same delivery
// first; that surfaces as ErrConflict so the pipeline can treat it as
// a duplicate rather than a failure.
func (d Datasource) RecordEvent(ctx context.Context, event *model.EventRecord) (*model.EventRecord, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event payload", err)
	}

	if event.ID == "" {
		event.ID = model.GenerateUUIDWithSuffix("event")
	}
	if event.Status == "" {
		event.Status = model.EventStatusPending
	}
	event.CreatedAt = time.Now()

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO events (event_record_id, idempotency_hash, event_id, source, event_type, tenant_id, payload, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.Hash, event.EventID, event.Source, event.EventType,
		sql.NullString{String: event.TenantID, Valid: event.TenantID != ""},
		payloadJSON, event.Status, event.RetryCount)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Event with this idempotency hash already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record event", err)
	}

	return event, nil
}

func (d Datasource) GetEventByHash(ctx context.Context, hash string) (*model.EventRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT event_record_id, idempotency_hash, event_id, source, event_type, COALESCE(tenant_id, ''), payload, status, retry_count, COALESCE(error_message, ''), created_at
		FROM events
		WHERE idempotency_hash = $1
	`, hash)
	return scanEvent(row)
}

func (d Datasource) GetEvent(ctx context.Context, id string) (*model.EventRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT event_record_id, idempotency_hash, event_id, source, event_type, COALESCE(tenant_id, ''), payload, status, retry_count, COALESCE(error_message, ''), created_at
		FROM events
		WHERE event_record_id = $1
	`, id)
	return scanEvent(row)
}

func scanEvent(row *sql.Row) (*model.EventRecord, error) {
	event := model.EventRecord{}
	var payloadJSON []byte
	err := row.Scan(&event.ID, &event.Hash, &event.EventID, &event.Source, &event.EventType,
		&event.TenantID, &payloadJSON, &event.Status, &event.RetryCount, &event.ErrorMessage, &event.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Event not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve event", err)
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event payload", err)
		}
	}
	return &event, nil
}

// UpdateEventOutcome persists the terminal state of one processing
// attempt: status, retry count, error detail and completion stamp.
func (d Datasource) UpdateEventOutcome(ctx context.Context, event *model.EventRecord) error {
	var completedAt sql.NullTime
	if event.Status == model.EventStatusCompleted {
		completedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE events
		SET status = $2, retry_count = $3, error_message = NULLIF($4, ''), last_attempted_at = NOW(), completed_at = $5
		WHERE event_record_id = $1
	`, event.ID, event.Status, event.RetryCount, event.ErrorMessage, completedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update event outcome", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check event update", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Event not found", nil)
	}
	return nil
}

func (d Datasource) GetDeadLetterEvents(ctx context.Context, limit int) ([]*model.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_record_id, idempotency_hash, event_id, source, event_type, COALESCE(tenant_id, ''), payload, status, retry_count, COALESCE(error_message, ''), created_at
		FROM events
		WHERE status = 'dead_letter'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dead-letter events", err)
	}
	defer rows.Close()

	events := []*model.EventRecord{}
	for rows.Next() {
		event := model.EventRecord{}
		var payloadJSON []byte
		err = rows.Scan(&event.ID, &event.Hash, &event.EventID, &event.Source, &event.EventType,
			&event.TenantID, &payloadJSON, &event.Status, &event.RetryCount, &event.ErrorMessage, &event.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan dead-letter event", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event payload", err)
			}
		}
		events = append(events, &event)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over dead-letter events", err)
	}
	return events, nil
}

// MarkEventPending requeues a dead-letter event. The status guard in
// the WHERE clause makes the operation a no-op for events in any other
// state; callers see that as ErrNotFound.
func (d Datasource) MarkEventPending(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE events
		SET status = 'pending', error_message = NULL, retry_count = 0
		WHERE event_record_id = $1 AND status = 'dead_letter'
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to requeue event", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check event requeue", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Event is not in the dead-letter queue", nil)
	}
	return nil
}

func (d Datasource) MarkEventArchived(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE events
		SET status = 'archived', archived_at = NOW()
		WHERE event_record_id = $1 AND status = 'dead_letter'
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to archive event", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check event archive", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Event is not in the dead-letter queue", nil)
	}
	return nil
}

// DeleteProcessedEventsBefore removes completed and archived events
// older than cutoff.
func (d Datasource) DeleteProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM events
		WHERE status IN ('completed', 'archived') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete processed events", err)
	}
	return result.RowsAffected()
}

func (d Datasource) CountEventsByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE status = $1
	`, status).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count events", err)
	}
	return count, nil
}
