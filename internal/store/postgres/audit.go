package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/store"
)

// AuditLogRepo implements store.AuditLogRepository with sqlx.
// Entries are append-only; there is deliberately no update or delete.
type AuditLogRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuditLogRepo returns a new AuditLogRepo.
func NewAuditLogRepo(db *sqlx.DB, clk clock.Clock) *AuditLogRepo {
	return &AuditLogRepo{db: db, clock: clk}
}

func (r *AuditLogRepo) Append(ctx context.Context, e *store.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, entity_type, entity_id, action, old_value, new_value, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EntityType, e.EntityID, e.Action, e.OldValue, e.NewValue, e.Actor, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry (entity=%s/%s, action=%s): %w", e.EntityType, e.EntityID, e.Action, err)
	}
	return nil
}

func (r *AuditLogRepo) CountRecent(ctx context.Context, entityType, entityID, action string, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM audit_logs
		  WHERE entity_type = $1 AND entity_id = $2 AND action = $3 AND created_at >= $4`,
		entityType, entityID, action, since.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("counting recent audit entries: %w", err)
	}
	return count, nil
}

func (r *AuditLogRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]store.AuditLogEntry, error) {
	var out []store.AuditLogEntry
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM audit_logs
		  WHERE entity_type = $1 AND entity_id = $2
		  ORDER BY created_at ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return out, nil
}
