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

// ReservationRepo implements store.ReservationRepository with sqlx.
type ReservationRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewReservationRepo returns a new ReservationRepo.
func NewReservationRepo(db *sqlx.DB, clk clock.Clock) *ReservationRepo {
	return &ReservationRepo{db: db, clock: clk}
}

// CreateWithVehicleHold inserts the reservation and flips the vehicle to
// reserved in one transaction. The vehicle update is conditional on
// status = 'published'; zero rows affected means a concurrent caller won
// the race (or the vehicle left published some other way), and the whole
// transaction rolls back.
func (r *ReservationRepo) CreateWithVehicleHold(ctx context.Context, res *store.Reservation) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	res.Status = "pending_payment"

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Availability recheck inside the transaction: another active
	// reservation or auction blocks the hold even if the vehicle row
	// has not been flipped yet.
	var blocked bool
	query, args, err := sqlx.In(
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE vehicle_id = ? AND status IN (?))
		 OR EXISTS (SELECT 1 FROM auctions WHERE vehicle_id = ? AND status IN (?))`,
		res.VehicleID, activeReservationStates, res.VehicleID, activeAuctionStates,
	)
	if err != nil {
		return fmt.Errorf("building availability query: %w", err)
	}
	if err := tx.GetContext(ctx, &blocked, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("checking availability: %w", err)
	}
	if blocked {
		return store.ErrVehicleUnavailable
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations
		   (id, vehicle_id, customer_name, customer_email, amount, status, idempotency_key, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.ID, res.VehicleID, res.CustomerName, res.CustomerEmail, res.Amount,
		res.Status, res.IdempotencyKey, res.ExpiresAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "reservations_idempotency_key_key") {
			return store.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("inserting reservation: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE vehicles SET status = 'reserved', updated_at = $1 WHERE id = $2 AND status = 'published'`,
		now, res.VehicleID,
	)
	if err != nil {
		return fmt.Errorf("holding vehicle: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrVehicleUnavailable
	}

	return tx.Commit()
}

// CreateConfirmedWithAuctionClose records an auction winner: reservation
// born confirmed, auction moved to closed_won, vehicle flipped to
// reserved, all in one transaction.
func (r *ReservationRepo) CreateConfirmedWithAuctionClose(ctx context.Context, res *store.Reservation, auctionID, winnerBidID string) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	res.Status = "confirmed"

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// winner_id was recorded when the auction ended; re-assert the
	// winning bid id and close.
	result, err := tx.ExecContext(ctx,
		`UPDATE auctions
		    SET status = 'closed_won', winner_bid_id = $1, updated_at = $2
		  WHERE id = $3 AND status = 'ended_pending_payment'`,
		winnerBidID, now, auctionID,
	)
	if err != nil {
		return fmt.Errorf("closing auction: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations
		   (id, vehicle_id, customer_name, customer_email, amount, status, idempotency_key, payment_id, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.VehicleID, res.CustomerName, res.CustomerEmail, res.Amount,
		res.Status, res.IdempotencyKey, res.PaymentID, res.ExpiresAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "reservations_idempotency_key_key") {
			return store.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("inserting reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vehicles SET status = 'reserved', updated_at = $1 WHERE id = $2`,
		now, res.VehicleID,
	); err != nil {
		return fmt.Errorf("holding vehicle: %w", err)
	}

	return tx.Commit()
}

func (r *ReservationRepo) GetByID(ctx context.Context, id string) (*store.Reservation, error) {
	var res store.Reservation
	err := r.db.GetContext(ctx, &res, `SELECT * FROM reservations WHERE id = $1`, id)
	if err != nil {
		return nil, translateGetErr(err, "getting reservation")
	}
	return &res, nil
}

func (r *ReservationRepo) GetByIdempotencyKey(ctx context.Context, key string) (*store.Reservation, error) {
	var res store.Reservation
	err := r.db.GetContext(ctx, &res, `SELECT * FROM reservations WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, translateGetErr(err, "getting reservation by idempotency key")
	}
	return &res, nil
}

func (r *ReservationRepo) UpdateStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clock.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("updating reservation status: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// SetPaidWithVehicleHold marks the reservation paid and re-asserts the
// vehicle hold in one transaction. The re-assert is guarded by
// `WHERE status = 'published'` so a vehicle already sold or archived is
// not clobbered.
func (r *ReservationRepo) SetPaidWithVehicleHold(ctx context.Context, id, from, paymentID string) (bool, error) {
	now := r.clock.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var vehicleID string
	err = tx.GetContext(ctx, &vehicleID,
		`UPDATE reservations SET status = 'paid', payment_id = $1, updated_at = $2
		  WHERE id = $3 AND status = $4
		  RETURNING vehicle_id`,
		paymentID, now, id, from,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("marking reservation paid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vehicles SET status = 'reserved', updated_at = $1
		  WHERE id = $2 AND status = 'published'`,
		now, vehicleID,
	); err != nil {
		return false, fmt.Errorf("re-asserting vehicle hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// FinishWithVehicleRelease moves the reservation to a terminal state and
// releases the vehicle in one transaction. The vehicle release is guarded
// by `WHERE status = 'reserved'`: a vehicle already moved on by another
// path (e.g. sold) is left alone, and that is not an error.
func (r *ReservationRepo) FinishWithVehicleRelease(ctx context.Context, id, from, to string) error {
	now := r.clock.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var vehicleID string
	err = tx.GetContext(ctx, &vehicleID,
		`UPDATE reservations SET status = $1, updated_at = $2
		  WHERE id = $3 AND status = $4
		  RETURNING vehicle_id`,
		to, now, id, from,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrConflict
		}
		return fmt.Errorf("finishing reservation: %w", err)
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

func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time) ([]store.Reservation, error) {
	var out []store.Reservation
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM reservations
		  WHERE status IN ('pending_payment', 'paid') AND expires_at < $1
		  ORDER BY expires_at ASC`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}
	return out, nil
}
