package store

import (
	"context"
	"fmt"

	"auction/internal/models"

	"github.com/lib/pq"
)

type OutboxStore struct {
	db DB
}

func NewOutboxStore(db DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Insert(ctx context.Context, tx Execer, msg models.OutboxMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, topic, message_key, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.Topic, msg.Key, msg.EventType, msg.Payload)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ClaimPending locks up to limit unsent messages, oldest first. Rows claimed by
// another publisher are skipped rather than waited on.
func (s *OutboxStore) ClaimPending(ctx context.Context, tx Selecter, limit int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := tx.SelectContext(ctx, &rows, `
		SELECT id, topic, message_key, event_type, payload, attempts, created_at, sent_at
		FROM outbox_messages
		WHERE sent_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	return rows, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, tx Execer, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	affected, err := execAffected(ctx, tx, `
		UPDATE outbox_messages
		SET sent_at = NOW()
		WHERE id = ANY($1) AND sent_at IS NULL
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark outbox messages sent: %w", err)
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("mark outbox messages sent: expected %d rows, got %d", len(ids), affected)
	}
	return nil
}

func (s *OutboxStore) RecordFailure(ctx context.Context, tx Execer, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1
		WHERE id = $1
	`, id)
	return err
}

func (s *OutboxStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM outbox_messages WHERE sent_at IS NULL`)
	return count, err
}
