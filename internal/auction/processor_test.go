package auction_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garagemlabs/garagem/internal/auction"
	"github.com/garagemlabs/garagem/internal/audit"
	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	"github.com/garagemlabs/garagem/internal/ratelimit"
	"github.com/garagemlabs/garagem/internal/store"
	"github.com/garagemlabs/garagem/internal/store/memstore"
)

type processorFixture struct {
	processor *auction.Processor
	repos     *store.Repositories
	audit     *audit.Logger
	clock     *clock.Mock
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repos := memstore.Open(clk)
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Default()

	auditLog := audit.NewLogger(repos.AuditLogs, logger)
	limiter := ratelimit.NewLimiter(repos.RateLimits, clk, cfg.RateLimit)
	return &processorFixture{
		processor: auction.NewProcessor(repos.Auctions, limiter, auditLog, clk, logger, cfg.Market),
		repos:     repos,
		audit:     auditLog,
		clock:     clk,
	}
}

func (f *processorFixture) seedAuction(t *testing.T, id string, endsIn time.Duration) *store.Auction {
	t.Helper()
	a := &store.Auction{
		ID:            id,
		VehicleID:     "vehicle-" + id,
		Status:        "active",
		StartingPrice: 10_000_000,
		MinIncrement:  500_000,
		StartTime:     f.clock.Now().Add(-time.Hour),
		EndTime:       f.clock.Now().Add(endsIn),
	}
	require.NoError(t, f.repos.Auctions.Create(context.Background(), a))
	return a
}

func TestPlaceBid_FirstBidAtMinimum(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	res, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.BidID)
	require.False(t, res.Extended)

	highest, err := f.repos.Auctions.GetHighestBid(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, res.BidID, highest.ID)
	require.True(t, highest.IsWinner)
}

func TestPlaceBid_FirstBidBelowMinimumRejected(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)

	// With no bids the floor is starting price plus increment.
	_, err := f.processor.PlaceBid(context.Background(), "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_000_000,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeInvalidAmount, bidErr.Code)
	require.Equal(t, int64(10_500_000), bidErr.MinimumRequired)
}

func TestPlaceBid_LeaderDemotion(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	first, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)

	second, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-2", IP: "10.0.0.2", Amount: 11_000_000,
	})
	require.NoError(t, err)

	highest, err := f.repos.Auctions.GetHighestBid(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, second.BidID, highest.ID)
	require.NotEqual(t, first.BidID, highest.ID)
}

func TestPlaceBid_AuctionNotFound(t *testing.T) {
	f := newProcessorFixture(t)

	_, err := f.processor.PlaceBid(context.Background(), "missing", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 1,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeAuctionNotFound, bidErr.Code)
}

func TestPlaceBid_AuctionNotActive(t *testing.T) {
	f := newProcessorFixture(t)
	a := f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	ok, err := f.repos.Auctions.UpdateStatus(ctx, a.ID, "active", "cancelled")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.processor.PlaceBid(ctx, a.ID, auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeAuctionNotActive, bidErr.Code)
}

func TestPlaceBid_AfterEndTime(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)
	f.clock.Advance(time.Hour) // exactly end_time: bid must be rejected

	_, err := f.processor.PlaceBid(context.Background(), "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeAuctionEnded, bidErr.Code)
}

func TestPlaceBid_MinimumIncrementBoundary(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	_, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)

	// Highest is 10,500,000; increment 500,000. 10,800,000 is short.
	_, err = f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-2", IP: "10.0.0.2", Amount: 10_800_000,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeInvalidAmount, bidErr.Code)
	require.Equal(t, int64(11_000_000), bidErr.MinimumRequired)

	// Exactly highest+increment is accepted.
	res, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-2", IP: "10.0.0.2", Amount: 11_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(11_000_000), res.Amount)
}

// racingAuctionRepo lands a competing bid right before the first commit,
// reproducing two bidders that both validated against the same stale
// highest.
type racingAuctionRepo struct {
	store.AuctionRepository
	competing *store.Bid
	raced     bool
}

func (r *racingAuctionRepo) InsertLeadingBid(ctx context.Context, b *store.Bid) error {
	if !r.raced {
		r.raced = true
		if err := r.AuctionRepository.InsertLeadingBid(ctx, r.competing); err != nil {
			return err
		}
	}
	return r.AuctionRepository.InsertLeadingBid(ctx, b)
}

func TestPlaceBid_LosesCommitRaceToHigherBid(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	cfg := config.Default()
	racing := &racingAuctionRepo{
		AuctionRepository: f.repos.Auctions,
		competing:         &store.Bid{AuctionID: "a-1", BidderID: "bidder-high", Amount: 11_000_000},
	}
	limiter := ratelimit.NewLimiter(f.repos.RateLimits, f.clock, cfg.RateLimit)
	p := auction.NewProcessor(racing, limiter, f.audit, f.clock, slog.New(slog.DiscardHandler), cfg.Market)

	// Validated against an empty bid list, but an 11,000,000 bid commits
	// first: the lower bid must not take the winner flag.
	_, err := p.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-low", IP: "10.0.0.1", Amount: 10_500_000,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeInvalidAmount, bidErr.Code)
	require.Equal(t, int64(11_500_000), bidErr.MinimumRequired)

	highest, err := f.repos.Auctions.GetHighestBid(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "bidder-high", highest.BidderID)
	require.Equal(t, int64(11_000_000), highest.Amount)
}

func TestPlaceBid_RateLimited(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	amount := int64(10_500_000)
	for i := 0; i < 5; i++ {
		_, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
			BidderID: "bidder-1", IP: "10.0.0.1", Amount: amount,
		})
		require.NoError(t, err)
		amount += 500_000
	}

	_, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: amount,
	})
	var bidErr *auction.BidError
	require.ErrorAs(t, err, &bidErr)
	require.Equal(t, auction.CodeRateLimited, bidErr.Code)
	require.False(t, bidErr.ResetAt.IsZero())

	// The rejection is audited.
	trail, err := f.audit.Trail(ctx, audit.EntityAuction, "a-1")
	require.NoError(t, err)
	var rejected int
	for _, e := range trail {
		if e.Action == audit.ActionBidRejected {
			rejected++
		}
	}
	require.Equal(t, 1, rejected)
}

func TestPlaceBid_SnipeWindowExtends(t *testing.T) {
	f := newProcessorFixture(t)
	a := f.seedAuction(t, "a-1", time.Minute) // inside the 2m window
	ctx := context.Background()

	res, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)
	require.True(t, res.Extended)
	require.Equal(t, a.EndTime.Add(2*time.Minute), res.NewEndTime)

	stored, err := f.repos.Auctions.GetByID(ctx, "a-1")
	require.NoError(t, err)
	require.True(t, stored.EndTime.Equal(res.NewEndTime))
}

func TestPlaceBid_OutsideSnipeWindowNoExtension(t *testing.T) {
	f := newProcessorFixture(t)
	a := f.seedAuction(t, "a-1", time.Hour)
	ctx := context.Background()

	res, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)
	require.False(t, res.Extended)

	stored, err := f.repos.Auctions.GetByID(ctx, "a-1")
	require.NoError(t, err)
	require.True(t, stored.EndTime.Equal(a.EndTime))
}

func TestPlaceBid_ExtensionCooldown(t *testing.T) {
	f := newProcessorFixture(t)
	a := f.seedAuction(t, "a-1", 30*time.Second)
	ctx := context.Background()

	res, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)
	require.True(t, res.Extended)

	// A second snipe 40s later is back inside the window but also
	// inside the extension cooldown: the bid is accepted, the end time
	// stays put.
	f.clock.Advance(40 * time.Second)
	res2, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-2", IP: "10.0.0.2", Amount: 11_000_000,
	})
	require.NoError(t, err)
	require.False(t, res2.Extended)

	stored, err := f.repos.Auctions.GetByID(ctx, "a-1")
	require.NoError(t, err)
	require.True(t, stored.EndTime.Equal(a.EndTime.Add(2*time.Minute)))
}

func TestPlaceBid_ExtensionAuditTrail(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedAuction(t, "a-1", time.Minute)
	ctx := context.Background()

	_, err := f.processor.PlaceBid(ctx, "a-1", auction.BidRequest{
		BidderID: "bidder-1", IP: "10.0.0.1", Amount: 10_500_000,
	})
	require.NoError(t, err)

	trail, err := f.audit.Trail(ctx, audit.EntityAuction, "a-1")
	require.NoError(t, err)

	var extensions, placed int
	for _, e := range trail {
		switch e.Action {
		case audit.ActionAuctionExtended:
			extensions++
		case audit.ActionBidPlaced:
			placed++
		}
	}
	require.Equal(t, 1, extensions)
	require.Equal(t, 1, placed)
}
