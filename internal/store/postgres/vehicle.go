package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/store"
)

// activeReservationStates and activeAuctionStates enumerate the
// non-terminal states that block a vehicle from being held again.
var (
	activeReservationStates = []string{"pending_payment", "paid", "confirmed"}
	activeAuctionStates     = []string{"scheduled", "active", "ended_pending_payment"}
)

// VehicleRepo implements store.VehicleRepository with sqlx.
type VehicleRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewVehicleRepo returns a new VehicleRepo.
func NewVehicleRepo(db *sqlx.DB, clk clock.Clock) *VehicleRepo {
	return &VehicleRepo{db: db, clock: clk}
}

func (r *VehicleRepo) Create(ctx context.Context, v *store.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = "draft"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vehicles (id, title, price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.Title, v.Price, v.Status, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating vehicle: %w", err)
	}
	return nil
}

func (r *VehicleRepo) GetByID(ctx context.Context, id string) (*store.Vehicle, error) {
	var v store.Vehicle
	err := r.db.GetContext(ctx, &v, `SELECT * FROM vehicles WHERE id = $1`, id)
	if err != nil {
		return nil, translateGetErr(err, "getting vehicle")
	}
	return &v, nil
}

func (r *VehicleRepo) UpdateStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE vehicles SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clock.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("updating vehicle status: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (r *VehicleRepo) HasActiveReservation(ctx context.Context, vehicleID string) (bool, error) {
	var exists bool
	query, args, err := sqlx.In(
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE vehicle_id = ? AND status IN (?))`,
		vehicleID, activeReservationStates,
	)
	if err != nil {
		return false, fmt.Errorf("building reservation query: %w", err)
	}
	if err := r.db.GetContext(ctx, &exists, r.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("checking active reservation: %w", err)
	}
	return exists, nil
}

func (r *VehicleRepo) HasActiveAuction(ctx context.Context, vehicleID string) (bool, error) {
	var exists bool
	query, args, err := sqlx.In(
		`SELECT EXISTS (SELECT 1 FROM auctions WHERE vehicle_id = ? AND status IN (?))`,
		vehicleID, activeAuctionStates,
	)
	if err != nil {
		return false, fmt.Errorf("building auction query: %w", err)
	}
	if err := r.db.GetContext(ctx, &exists, r.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("checking active auction: %w", err)
	}
	return exists, nil
}
