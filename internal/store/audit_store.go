package store

import (
	"context"

	"auction/internal/models"
)

type AuditStore struct {
	db DB
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log records a change in the caller's transaction. An empty actorID is stored
// as NULL for system initiated changes.
func (s *AuditStore) Log(ctx context.Context, tx Execer, actorID, action, entityType, entityID string, data []byte) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_customer_id, action, entity_type, entity_id, data)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
	`, actor, action, entityType, entityID, string(data))
	return err
}

func (s *AuditStore) List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	var rows []models.AuditEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_customer_id, action, entity_type, entity_id, data, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *AuditStore) ListByEntity(ctx context.Context, entityType, entityID string) ([]models.AuditEntry, error) {
	var rows []models.AuditEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_customer_id, action, entity_type, entity_id, data, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
