// Package store defines the persisted entities of the marketplace core and
// the repository interfaces drivers must implement. The contracts here are
// deliberately narrow: point reads, conditional (compare-and-set) updates
// reporting whether a row was hit, and multi-statement operations that the
// driver must apply atomically. Those two primitives are enough for every
// invariant the service layer enforces.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all drivers. Conflict-shaped errors are
// distinct so callers can map them to typed business failures instead of
// a generic storage error.
var (
	// ErrNotFound indicates a point read matched no row.
	ErrNotFound = errors.New("not found")
	// ErrVehicleUnavailable indicates the vehicle already carries an
	// active reservation or auction, or its status forbids a hold.
	ErrVehicleUnavailable = errors.New("vehicle unavailable")
	// ErrDuplicateIdempotencyKey indicates a reservation with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrConflict indicates a conditional update matched no row because
	// the entity moved on concurrently.
	ErrConflict = errors.New("conflicting concurrent update")
)

// Vehicle is a listed vehicle. Status values are governed by
// statemachine.KindVehicle.
type Vehicle struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	Price     int64     `db:"price"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Reservation is a customer hold on a vehicle. Never physically deleted;
// terminal states are retained for audit.
type Reservation struct {
	ID             string     `db:"id"`
	VehicleID      string     `db:"vehicle_id"`
	CustomerName   string     `db:"customer_name"`
	CustomerEmail  string     `db:"customer_email"`
	Amount         int64      `db:"amount"`
	Status         string     `db:"status"`
	IdempotencyKey string     `db:"idempotency_key"`
	PaymentID      *string    `db:"payment_id"`
	ExpiresAt      time.Time  `db:"expires_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Auction is a timed auction over a vehicle. EndTime is mutable: the
// anti-sniping extender moves it forward under an optimistic lock.
type Auction struct {
	ID               string     `db:"id"`
	VehicleID        string     `db:"vehicle_id"`
	Status           string     `db:"status"`
	StartingPrice    int64      `db:"starting_price"`
	MinIncrement     int64      `db:"min_increment"`
	StartTime        time.Time  `db:"start_time"`
	EndTime          time.Time  `db:"end_time"`
	WinnerID         *string    `db:"winner_id"`
	WinnerBidID      *string    `db:"winner_bid_id"`
	PaymentExpiresAt *time.Time `db:"payment_expires_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// Bid is immutable once created except for IsWinner, which is exclusively
// true on the current highest bid.
type Bid struct {
	ID        string    `db:"id"`
	AuctionID string    `db:"auction_id"`
	BidderID  string    `db:"bidder_id"`
	Amount    int64     `db:"amount"`
	IsWinner  bool      `db:"is_winner"`
	CreatedAt time.Time `db:"created_at"`
}

// RateLimitRecord is a fixed-window counter. Ephemeral: losing one only
// under- or over-throttles temporarily.
type RateLimitRecord struct {
	Key             string    `db:"key"`
	Identifier      string    `db:"identifier"`
	Type            string    `db:"type"`
	Count           int       `db:"count"`
	WindowTimestamp time.Time `db:"window_timestamp"`
	ExpiresAt       time.Time `db:"expires_at"`
}

// AuditLogEntry is an append-only record of a state change. Never mutated
// or deleted.
type AuditLogEntry struct {
	ID         string    `db:"id"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Action     string    `db:"action"`
	OldValue   string    `db:"old_value"`
	NewValue   string    `db:"new_value"`
	Actor      string    `db:"actor"`
	CreatedAt  time.Time `db:"created_at"`
}

// VehicleRepository defines vehicle persistence operations.
type VehicleRepository interface {
	Create(ctx context.Context, v *Vehicle) error
	GetByID(ctx context.Context, id string) (*Vehicle, error)
	// UpdateStatus performs the conditional update
	// `SET status = to WHERE id = ? AND status = from` and reports
	// whether a row was hit.
	UpdateStatus(ctx context.Context, id, from, to string) (bool, error)
	// HasActiveReservation reports whether a non-terminal reservation
	// exists for the vehicle.
	HasActiveReservation(ctx context.Context, vehicleID string) (bool, error)
	// HasActiveAuction reports whether a non-terminal auction exists
	// for the vehicle.
	HasActiveAuction(ctx context.Context, vehicleID string) (bool, error)
}

// ReservationRepository defines reservation persistence operations.
// Multi-row operations are atomic: either every statement applies or none.
type ReservationRepository interface {
	// CreateWithVehicleHold atomically re-checks vehicle availability,
	// inserts the reservation and flips the vehicle to reserved.
	// Returns ErrVehicleUnavailable when a concurrent caller won the
	// race and ErrDuplicateIdempotencyKey on a key collision.
	CreateWithVehicleHold(ctx context.Context, r *Reservation) error
	// CreateConfirmedWithAuctionClose atomically inserts an
	// already-confirmed reservation, closes the auction as won and
	// flips the vehicle to reserved. Returns ErrConflict if the
	// auction is no longer awaiting payment.
	CreateConfirmedWithAuctionClose(ctx context.Context, r *Reservation, auctionID, winnerBidID string) error
	GetByID(ctx context.Context, id string) (*Reservation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error)
	// UpdateStatus is the conditional update form; a false return means
	// the reservation was not in the expected state.
	UpdateStatus(ctx context.Context, id, from, to string) (bool, error)
	// SetPaidWithVehicleHold atomically moves the reservation from
	// `from` to paid, records the payment id and re-asserts the vehicle
	// hold (published -> reserved; a vehicle that moved on through
	// another path is left alone). A false return means the reservation
	// was not in the expected state.
	SetPaidWithVehicleHold(ctx context.Context, id, from, paymentID string) (bool, error)
	// FinishWithVehicleRelease atomically moves the reservation to a
	// terminal state and releases the vehicle back to published, the
	// latter guarded by `WHERE status = 'reserved'` so a vehicle that
	// moved on through another path is not clobbered. Returns
	// ErrConflict if the reservation left `from` concurrently.
	FinishWithVehicleRelease(ctx context.Context, id, from, to string) error
	// ListExpired returns non-terminal reservations whose expires_at
	// is before now.
	ListExpired(ctx context.Context, now time.Time) ([]Reservation, error)
}

// AuctionRepository defines auction and bid persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// UpdateStatus is the conditional update form.
	UpdateStatus(ctx context.Context, id, from, to string) (bool, error)
	// GetHighestBid returns the current winning bid, or nil when the
	// auction has no bids.
	GetHighestBid(ctx context.Context, auctionID string) (*Bid, error)
	// InsertLeadingBid atomically demotes the previous winning bid and
	// inserts b with is_winner set. A crash can never leave zero or
	// two winners, and the winner always holds the maximum amount:
	// if a bid of at least b.Amount already holds the flag, the insert
	// does not happen and ErrConflict is returned.
	InsertLeadingBid(ctx context.Context, b *Bid) error
	// ExtendEndTime performs the optimistic-lock update
	// `SET end_time = to WHERE id = ? AND end_time = from`. A false
	// return means another extension won the race.
	ExtendEndTime(ctx context.Context, id string, from, to time.Time) (bool, error)
	// MarkEndedPendingPayment conditionally moves an active auction
	// whose end time has passed into ended_pending_payment, recording
	// the winner and payment deadline.
	MarkEndedPendingPayment(ctx context.Context, id, winnerID, winnerBidID string, paymentDeadline time.Time) (bool, error)
	// CloseFailedWithVehicleRelease atomically moves the auction to
	// closed_failed and releases the vehicle (guarded, as above).
	// Returns ErrConflict if the auction is not awaiting payment.
	CloseFailedWithVehicleRelease(ctx context.Context, id string) error
	// ListEnded returns active auctions whose end_time is before now.
	ListEnded(ctx context.Context, now time.Time) ([]Auction, error)
	// ListPaymentOverdue returns ended_pending_payment auctions whose
	// payment_expires_at is before now.
	ListPaymentOverdue(ctx context.Context, now time.Time) ([]Auction, error)
}

// RateLimitRepository defines rate-limit counter operations.
type RateLimitRepository interface {
	// Count returns the current count for (key, window), zero when no
	// record exists.
	Count(ctx context.Context, key string, window time.Time) (int, error)
	// Increment atomically bumps the counter for (key, window) and
	// returns the post-increment count. A fresh window starts at 1.
	Increment(ctx context.Context, rec *RateLimitRecord) (int, error)
	// DeleteExpired garbage-collects records past their TTL and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditLogRepository defines the append-only audit log.
type AuditLogRepository interface {
	Append(ctx context.Context, e *AuditLogEntry) error
	// CountRecent returns how many entries for (entityType, entityID,
	// action) were written at or after since. Used by the anti-sniping
	// pre-check.
	CountRecent(ctx context.Context, entityType, entityID, action string, since time.Time) (int, error)
	// ListByEntity returns the audit trail for an entity, oldest first.
	ListByEntity(ctx context.Context, entityType, entityID string) ([]AuditLogEntry, error)
}
