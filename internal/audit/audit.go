// Package audit wraps the append-only audit log. Writes are best-effort:
// a failed append is logged and swallowed, never allowed to fail or roll
// back the business mutation it describes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/garagemlabs/garagem/internal/store"
)

// Entity type labels used across the core.
const (
	EntityVehicle     = "vehicle"
	EntityReservation = "reservation"
	EntityAuction     = "auction"
	EntityBid         = "bid"
)

// Action labels. The anti-sniping extender depends on ActionAuctionExtended
// being stable: it counts recent entries with this action as its pre-check.
const (
	ActionStatusChanged      = "status_changed"
	ActionReservationCreated = "reservation.created"
	ActionPaymentConfirmed   = "payment.confirmed"
	ActionBidPlaced          = "bid.placed"
	ActionBidRejected        = "bid.rejected"
	ActionAuctionExtended    = "auction.extended"
	ActionAuctionEnded       = "auction.ended"
	ActionWinnerConfirmed    = "auction.winner_confirmed"
	ActionWebhookReceived    = "webhook.received"
)

// Logger records audit entries best-effort.
type Logger struct {
	repo   store.AuditLogRepository
	logger *slog.Logger
}

// NewLogger returns an audit Logger over the given repository.
func NewLogger(repo store.AuditLogRepository, logger *slog.Logger) *Logger {
	return &Logger{repo: repo, logger: logger}
}

// Record appends an entry. Failures are logged with full context and
// swallowed; audit is observability, not a correctness dependency.
func (l *Logger) Record(ctx context.Context, e *store.AuditLogEntry) {
	if err := l.repo.Append(ctx, e); err != nil {
		l.logger.WarnContext(ctx, "audit write failed",
			slog.String("entity_type", e.EntityType),
			slog.String("entity_id", e.EntityID),
			slog.String("action", e.Action),
			slog.Any("error", err),
		)
	}
}

// CountRecent reports how many entries exist for the entity/action at or
// after since. Read failures propagate: the caller decides whether the
// check is advisory.
func (l *Logger) CountRecent(ctx context.Context, entityType, entityID, action string, since time.Time) (int, error) {
	return l.repo.CountRecent(ctx, entityType, entityID, action, since)
}

// Trail returns the audit history for an entity, oldest first.
func (l *Logger) Trail(ctx context.Context, entityType, entityID string) ([]store.AuditLogEntry, error) {
	return l.repo.ListByEntity(ctx, entityType, entityID)
}
