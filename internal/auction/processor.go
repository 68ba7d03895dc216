// Package auction implements the bid processor and the anti-sniping
// end-time extender. All timing checks use the injected server clock;
// client-supplied timestamps are never consulted.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garagemlabs/garagem/internal/audit"
	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	"github.com/garagemlabs/garagem/internal/ratelimit"
	"github.com/garagemlabs/garagem/internal/store"
)

var tracer = otel.Tracer("github.com/garagemlabs/garagem/internal/auction")

// BidRequest carries everything needed to place a bid.
type BidRequest struct {
	BidderID string
	IP       string
	Amount   int64
}

// BidResult reports an accepted bid.
type BidResult struct {
	BidID  string
	Amount int64
	// Extended reports whether this bid triggered an anti-sniping
	// extension; NewEndTime is the extended close time when it did.
	Extended   bool
	NewEndTime time.Time
}

// Processor validates and commits bids.
type Processor struct {
	auctions store.AuctionRepository
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	clock    clock.Clock
	logger   *slog.Logger
	cfg      config.MarketConfig
}

// NewProcessor returns a bid Processor.
func NewProcessor(auctions store.AuctionRepository, limiter *ratelimit.Limiter, auditLog *audit.Logger, clk clock.Clock, logger *slog.Logger, cfg config.MarketConfig) *Processor {
	return &Processor{
		auctions: auctions,
		limiter:  limiter,
		audit:    auditLog,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
	}
}

// PlaceBid runs the full validation chain and atomically commits the bid.
// Business rejections return *BidError; infrastructure failures return
// ordinary errors.
func (p *Processor) PlaceBid(ctx context.Context, auctionID string, req BidRequest) (*BidResult, error) {
	ctx, span := tracer.Start(ctx, "Processor.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", req.BidderID),
			attribute.Int64("bid.amount", req.Amount),
		),
	)
	defer span.End()

	// 1. Rate limits, most restrictive layer wins.
	rl, err := p.limiter.AllowBid(ctx, auctionID, req.BidderID, req.IP)
	if err != nil {
		return nil, fmt.Errorf("checking rate limits: %w", err)
	}
	if !rl.Allowed {
		p.rejectBid(ctx, auctionID, req, CodeRateLimited,
			fmt.Sprintf("rate limit %s exceeded", rl.Layer))
		return nil, &BidError{
			Code:    CodeRateLimited,
			Message: fmt.Sprintf("too many bids (%s), try again at %s", rl.Layer, rl.ResetAt.Format(time.RFC3339)),
			ResetAt: rl.ResetAt,
		}
	}

	// 2. Auction existence, state and timing (server clock only).
	a, err := p.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &BidError{Code: CodeAuctionNotFound, Message: "auction not found"}
		}
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	if a.Status != "active" {
		p.rejectBid(ctx, auctionID, req, CodeAuctionNotActive, "auction is "+a.Status)
		return nil, &BidError{
			Code:    CodeAuctionNotActive,
			Message: fmt.Sprintf("auction is not active (status %s)", a.Status),
		}
	}
	now := p.clock.Now()
	if !now.Before(a.EndTime) {
		p.rejectBid(ctx, auctionID, req, CodeAuctionEnded, "auction ended")
		return nil, &BidError{Code: CodeAuctionEnded, Message: "auction has already ended"}
	}

	// 3. Amount: at least current highest (or starting price) plus the
	// minimum increment. Equal-to-minimum is accepted.
	highest, err := p.auctions.GetHighestBid(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading highest bid: %w", err)
	}
	base := a.StartingPrice
	if highest != nil {
		base = highest.Amount
	}
	minRequired := base + a.MinIncrement
	if req.Amount < minRequired {
		p.rejectBid(ctx, auctionID, req, CodeInvalidAmount,
			fmt.Sprintf("bid %d below minimum %d", req.Amount, minRequired))
		return nil, &BidError{
			Code:            CodeInvalidAmount,
			Message:         fmt.Sprintf("minimum bid is %d", minRequired),
			MinimumRequired: minRequired,
		}
	}

	// 4. Anti-sniping: runs before the bid commits so the extended end
	// time becomes visible atomically with the new bid.
	bidID := uuid.NewString()
	ext := p.checkAndExtend(ctx, a, bidID)

	// 5. Commit: demote previous leader and insert the new one in a
	// single atomic batch.
	bid := &store.Bid{
		ID:        bidID,
		AuctionID: auctionID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
	}
	if err := p.auctions.InsertLeadingBid(ctx, bid); err != nil {
		// A concurrent bid of at least this amount committed between
		// the validation read and the insert. Reject against the
		// minimum as it stands now.
		if errors.Is(err, store.ErrConflict) {
			minRequired := a.StartingPrice + a.MinIncrement
			if latest, lerr := p.auctions.GetHighestBid(ctx, auctionID); lerr == nil && latest != nil {
				minRequired = latest.Amount + a.MinIncrement
			}
			p.rejectBid(ctx, auctionID, req, CodeInvalidAmount,
				fmt.Sprintf("outbid while committing, minimum now %d", minRequired))
			return nil, &BidError{
				Code:            CodeInvalidAmount,
				Message:         fmt.Sprintf("a higher bid was placed concurrently, minimum bid is %d", minRequired),
				MinimumRequired: minRequired,
			}
		}
		return nil, fmt.Errorf("committing bid: %w", err)
	}

	// 6. Audit with full context.
	prevAmount := int64(0)
	if highest != nil {
		prevAmount = highest.Amount
	}
	p.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityAuction,
		EntityID:   auctionID,
		Action:     audit.ActionBidPlaced,
		OldValue:   fmt.Sprintf("highest=%d", prevAmount),
		NewValue:   fmt.Sprintf("bid=%s amount=%d extended=%t", bidID, req.Amount, ext.Extended),
		Actor:      req.BidderID,
	})

	p.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("bid_id", bidID),
		slog.String("bidder_id", req.BidderID),
		slog.Int64("amount", req.Amount),
		slog.Bool("extended", ext.Extended),
	)

	res := &BidResult{BidID: bidID, Amount: req.Amount, Extended: ext.Extended}
	if ext.Extended {
		res.NewEndTime = ext.NewEndTime
	}
	return res, nil
}

// rejectBid audits a rejected bid attempt.
func (p *Processor) rejectBid(ctx context.Context, auctionID string, req BidRequest, code, detail string) {
	p.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityAuction,
		EntityID:   auctionID,
		Action:     audit.ActionBidRejected,
		NewValue:   fmt.Sprintf("code=%s amount=%d detail=%s", code, req.Amount, detail),
		Actor:      req.BidderID,
	})
}
