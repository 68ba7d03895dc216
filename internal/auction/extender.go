package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garagemlabs/garagem/internal/audit"
	"github.com/garagemlabs/garagem/internal/store"
)

// Extension skip reasons.
const (
	ReasonOutsideWindow   = "outside_snipe_window"
	ReasonRecentExtension = "recent_extension_exists"
	ReasonLostRace        = "already_extended_by_other_bid"
	ReasonExtended        = "extended"
)

// ExtensionOutcome reports what the anti-sniping check did.
type ExtensionOutcome struct {
	Extended   bool
	NewEndTime time.Time
	Reason     string
}

// checkAndExtend extends the auction end time when the triggering bid
// lands inside the sniping window.
//
// Two layers guard against stacked extensions. The audit pre-check (any
// extension recorded within the cooldown) is only an optimization to
// skip a doomed write: two concurrent reads can both pass it. The
// conditional update on end_time is the actual safety net: it only lands
// if end_time still holds the value read above, so of two racing bids
// exactly one extension wins and the loser's attempt is absorbed as a
// no-op, not retried and not errored.
func (p *Processor) checkAndExtend(ctx context.Context, a *store.Auction, bidID string) ExtensionOutcome {
	ctx, span := tracer.Start(ctx, "Processor.checkAndExtend",
		trace.WithAttributes(
			attribute.String("auction.id", a.ID),
			attribute.String("bid.id", bidID),
		),
	)
	defer span.End()

	now := p.clock.Now()
	remaining := a.EndTime.Sub(now)
	if remaining > p.cfg.SnipeWindow {
		return ExtensionOutcome{Reason: ReasonOutsideWindow}
	}

	recent, err := p.audit.CountRecent(ctx, audit.EntityAuction, a.ID,
		audit.ActionAuctionExtended, now.Add(-p.cfg.ExtensionCooldown))
	if err != nil {
		// Advisory check only; fall through to the conditional update.
		p.logger.WarnContext(ctx, "extension pre-check failed",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	} else if recent > 0 {
		return ExtensionOutcome{Reason: ReasonRecentExtension}
	}

	newEnd := a.EndTime.Add(p.cfg.ExtendBy)
	ok, err := p.auctions.ExtendEndTime(ctx, a.ID, a.EndTime, newEnd)
	if err != nil {
		// Extension is best-effort relative to the bid itself: the bid
		// still commits against the end time it validated under.
		p.logger.ErrorContext(ctx, "extending auction failed",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
		return ExtensionOutcome{Reason: ReasonLostRace}
	}
	if !ok {
		// Another near-simultaneous bid already moved end_time.
		return ExtensionOutcome{Reason: ReasonLostRace}
	}

	p.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityAuction,
		EntityID:   a.ID,
		Action:     audit.ActionAuctionExtended,
		OldValue:   a.EndTime.UTC().Format(time.RFC3339),
		NewValue:   newEnd.UTC().Format(time.RFC3339),
		Actor:      fmt.Sprintf("bid:%s", bidID),
	})

	p.logger.InfoContext(ctx, "auction end time extended",
		slog.String("auction_id", a.ID),
		slog.String("bid_id", bidID),
		slog.Time("old_end", a.EndTime),
		slog.Time("new_end", newEnd),
	)

	return ExtensionOutcome{Extended: true, NewEndTime: newEnd, Reason: ReasonExtended}
}
