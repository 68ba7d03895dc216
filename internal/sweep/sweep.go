// Package sweep implements the periodic expiration sweeper. Expirations
// are lazy: state can be logically expired before a sweep marks it, and
// every read path re-checks deadlines itself. The sweeper runs on one
// replica only, gated by leader election.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garagemlabs/garagem/internal/audit"
	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	"github.com/garagemlabs/garagem/internal/market"
	"github.com/garagemlabs/garagem/internal/ratelimit"
	"github.com/garagemlabs/garagem/internal/store"
)

var tracer = otel.Tracer("github.com/garagemlabs/garagem/internal/sweep")

// Sweeper periodically expires reservations, settles ended auctions and
// garbage-collects rate-limit counters.
type Sweeper struct {
	market       *market.Service
	reservations store.ReservationRepository
	auctions     store.AuctionRepository
	limiter      *ratelimit.Limiter
	audit        *audit.Logger
	clock        clock.Clock
	logger       *slog.Logger
	cfg          config.MarketConfig
	interval     time.Duration
}

// New returns a Sweeper.
func New(svc *market.Service, repos *store.Repositories, limiter *ratelimit.Limiter, auditLog *audit.Logger, clk clock.Clock, logger *slog.Logger, cfg config.MarketConfig, interval time.Duration) *Sweeper {
	return &Sweeper{
		market:       svc,
		reservations: repos.Reservations,
		auctions:     repos.Auctions,
		limiter:      limiter,
		audit:        auditLog,
		clock:        clk,
		logger:       logger,
		cfg:          cfg,
		interval:     interval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Per-entity failures are logged and skipped;
// one stuck row must not starve the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Sweeper.Sweep")
	defer span.End()

	s.expireReservations(ctx)
	s.settleEndedAuctions(ctx)
	s.cancelUnpaidAuctions(ctx)

	if n, err := s.limiter.Cleanup(ctx); err != nil {
		s.logger.WarnContext(ctx, "rate limit cleanup failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.InfoContext(ctx, "rate limit records cleaned", slog.Int64("count", n))
	}
}

func (s *Sweeper) expireReservations(ctx context.Context) {
	expired, err := s.reservations.ListExpired(ctx, s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "listing expired reservations failed", slog.Any("error", err))
		return
	}
	for _, res := range expired {
		if err := s.market.ExpireReservation(ctx, res.ID); err != nil {
			var mErr *market.Error
			if errors.As(err, &mErr) {
				// A concurrent payment or cancellation beat the
				// sweep; nothing to do.
				s.logger.InfoContext(ctx, "reservation not expired",
					slog.String("reservation_id", res.ID),
					slog.String("code", mErr.Code),
				)
				continue
			}
			s.logger.ErrorContext(ctx, "expiring reservation failed",
				slog.String("reservation_id", res.ID),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.InfoContext(ctx, "reservation expired",
			slog.String("reservation_id", res.ID),
			slog.String("vehicle_id", res.VehicleID),
		)
	}
}

// settleEndedAuctions moves past-deadline active auctions to
// ended_pending_payment (with a payment window) when bids exist, or
// ended_no_bids otherwise.
func (s *Sweeper) settleEndedAuctions(ctx context.Context) {
	ended, err := s.auctions.ListEnded(ctx, s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "listing ended auctions failed", slog.Any("error", err))
		return
	}
	for _, a := range ended {
		ctx, span := tracer.Start(ctx, "Sweeper.settleAuction",
			trace.WithAttributes(attribute.String("auction.id", a.ID)),
		)
		s.settleAuction(ctx, a)
		span.End()
	}
}

func (s *Sweeper) settleAuction(ctx context.Context, a store.Auction) {
	highest, err := s.auctions.GetHighestBid(ctx, a.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "loading highest bid failed",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
		return
	}

	if highest == nil {
		ok, err := s.auctions.UpdateStatus(ctx, a.ID, "active", "ended_no_bids")
		if err != nil {
			s.logger.ErrorContext(ctx, "ending no-bid auction failed",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			return
		}
		if ok {
			s.auditAuctionEnded(ctx, a.ID, "ended_no_bids", "")
			s.logger.InfoContext(ctx, "auction ended with no bids", slog.String("auction_id", a.ID))
		}
		return
	}

	deadline := s.clock.Now().UTC().Add(s.cfg.AuctionPaymentWindow)
	ok, err := s.auctions.MarkEndedPendingPayment(ctx, a.ID, highest.BidderID, highest.ID, deadline)
	if err != nil {
		s.logger.ErrorContext(ctx, "ending auction failed",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
		return
	}
	if !ok {
		// A late bid extended the auction, or another sweep settled it.
		return
	}
	s.auditAuctionEnded(ctx, a.ID, "ended_pending_payment", highest.BidderID)
	s.logger.InfoContext(ctx, "auction ended pending payment",
		slog.String("auction_id", a.ID),
		slog.String("winner_id", highest.BidderID),
		slog.Int64("amount", highest.Amount),
	)
}

func (s *Sweeper) cancelUnpaidAuctions(ctx context.Context) {
	overdue, err := s.auctions.ListPaymentOverdue(ctx, s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "listing payment-overdue auctions failed", slog.Any("error", err))
		return
	}
	for _, a := range overdue {
		if err := s.market.CancelAuctionByNoPayment(ctx, a.ID); err != nil {
			var mErr *market.Error
			if errors.As(err, &mErr) {
				continue
			}
			s.logger.ErrorContext(ctx, "cancelling unpaid auction failed",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Sweeper) auditAuctionEnded(ctx context.Context, auctionID, outcome, winnerID string) {
	s.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityAuction,
		EntityID:   auctionID,
		Action:     audit.ActionAuctionEnded,
		OldValue:   "active",
		NewValue:   outcome,
		Actor:      winnerID,
	})
}
