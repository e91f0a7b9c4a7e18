package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offer-service/internal/models"
)

// ClaimEvent records a gateway event as processed. It reports false when
// the event id was already present, which makes redelivery a no-op.
func (s *Store) ClaimEvent(ctx context.Context, event *models.ProcessedEvent) (bool, error) {
	query := s.rebind(`
		INSERT INTO processed_events (event_id, event_type, transaction_id, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		event.EventID, event.EventType, event.TransactionID, event.Outcome, event.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetEventOutcome returns the outcome note of a claimed event, or
// ErrNotFound if the event was never claimed.
func (s *Store) GetEventOutcome(ctx context.Context, eventID string) (string, error) {
	var outcome string
	err := sqlxGet(ctx, s, &outcome, "SELECT outcome FROM processed_events WHERE event_id = ?", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return outcome, err
}

// SetEventOutcome overwrites the outcome note of a claimed event
func (s *Store) SetEventOutcome(ctx context.Context, eventID, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE processed_events SET outcome = ? WHERE event_id = ?"), outcome, eventID)
	return err
}

// AppendAudit adds a history row
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	query := s.rebind(`
		INSERT INTO audit_log (entity_type, entity_id, action, actor_id, from_status, to_status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		entry.EntityType, entry.EntityID, entry.Action, entry.ActorID,
		entry.FromStatus, entry.ToStatus, entry.Note, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the history of an entity in insertion order
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := sqlxSelect(ctx, s, &entries,
		"SELECT * FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY id",
		entityType, entityID)
	return entries, err
}
