package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = "scheduled"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auctions
		   (id, vehicle_id, status, starting_price, min_increment, start_time, end_time, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.VehicleID, a.Status, a.StartingPrice, a.MinIncrement,
		a.StartTime, a.EndTime, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if err != nil {
		return nil, translateGetErr(err, "getting auction")
	}
	return &a, nil
}

func (r *AuctionRepo) UpdateStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clock.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("updating auction status: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (r *AuctionRepo) GetHighestBid(ctx context.Context, auctionID string) (*store.Bid, error) {
	var b store.Bid
	err := r.db.GetContext(ctx, &b,
		`SELECT * FROM bids WHERE auction_id = $1 AND is_winner ORDER BY amount DESC LIMIT 1`,
		auctionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting highest bid: %w", err)
	}
	return &b, nil
}

// InsertLeadingBid demotes the previous winner and inserts the new one in
// a single transaction, so at no point do concurrent readers observe zero
// or two winners. The demote only hits a leader this bid actually beats;
// a surviving winner means a concurrent bid of at least this amount
// committed first, reported as ErrConflict.
func (r *AuctionRepo) InsertLeadingBid(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = r.clock.Now().UTC()
	b.IsWinner = true

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET is_winner = FALSE WHERE auction_id = $1 AND is_winner AND amount < $2`,
		b.AuctionID, b.Amount,
	); err != nil {
		return fmt.Errorf("demoting previous leader: %w", err)
	}

	var standing bool
	if err := tx.GetContext(ctx, &standing,
		`SELECT EXISTS (SELECT 1 FROM bids WHERE auction_id = $1 AND is_winner)`,
		b.AuctionID,
	); err != nil {
		return fmt.Errorf("checking current leader: %w", err)
	}
	if standing {
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, amount, is_winner, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.CreatedAt,
	); err != nil {
		// A concurrent transaction inserted its winner between our
		// leader check and this insert; the partial unique index
		// caught it.
		if isUniqueViolation(err, "bids_single_winner_idx") {
			return store.ErrConflict
		}
		return fmt.Errorf("inserting bid: %w", err)
	}

	return tx.Commit()
}

// ExtendEndTime is the optimistic lock at the heart of anti-sniping: the
// update only lands if end_time still equals the value read at check
// time. A false return means another bid's extension won the race.
func (r *AuctionRepo) ExtendEndTime(ctx context.Context, id string, from, to time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET end_time = $1, updated_at = $2
		  WHERE id = $3 AND status = 'active' AND end_time = $4`,
		to.UTC(), r.clock.Now().UTC(), id, from.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("extending auction end time: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (r *AuctionRepo) MarkEndedPendingPayment(ctx context.Context, id, winnerID, winnerBidID string, paymentDeadline time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions
		    SET status = 'ended_pending_payment', winner_id = $1, winner_bid_id = $2,
		        payment_expires_at = $3, updated_at = $4
		  WHERE id = $5 AND status = 'active'`,
		winnerID, winnerBidID, paymentDeadline.UTC(), r.clock.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("marking auction ended: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CloseFailedWithVehicleRelease moves the auction to closed_failed and
// releases the vehicle, guarded so a vehicle that moved on is untouched.
func (r *AuctionRepo) CloseFailedWithVehicleRelease(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var vehicleID string
	err = tx.GetContext(ctx, &vehicleID,
		`UPDATE auctions SET status = 'closed_failed', updated_at = $1
		  WHERE id = $2 AND status = 'ended_pending_payment'
		  RETURNING vehicle_id`,
		now, id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrConflict
		}
		return fmt.Errorf("closing auction as failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vehicles SET status = 'published', updated_at = $1
		  WHERE id = $2 AND status = 'reserved'`,
		now, vehicleID,
	); err != nil {
		return fmt.Errorf("releasing vehicle: %w", err)
	}

	return tx.Commit()
}

func (r *AuctionRepo) ListEnded(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var out []store.Auction
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM auctions WHERE status = 'active' AND end_time < $1 ORDER BY end_time ASC`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing ended auctions: %w", err)
	}
	return out, nil
}

func (r *AuctionRepo) ListPaymentOverdue(ctx context.Context, now time.Time) ([]store.Auction, error) {
	var out []store.Auction
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM auctions
		  WHERE status = 'ended_pending_payment' AND payment_expires_at < $1
		  ORDER BY payment_expires_at ASC`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing payment-overdue auctions: %w", err)
	}
	return out, nil
}
