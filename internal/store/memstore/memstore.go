// Package memstore provides an in-process store.Driver used by unit tests
// and local development. It reproduces the driver contract exactly:
// multi-row operations hold the store lock for their full duration (the
// per-entity-mutex fallback for storage without conditional updates), so
// concurrent callers observe the same all-or-nothing behavior the
// Postgres driver gets from transactions.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	"github.com/garagemlabs/garagem/internal/store"
)

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("memory", openMemory)
}

// openMemory is the store.Driver for the "memory" backend.
func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return Open(clk), nil
}

// Open returns Repositories backed by a fresh in-memory store.
func Open(clk clock.Clock) *store.Repositories {
	s := &Store{
		clock:        clk,
		vehicles:     map[string]*store.Vehicle{},
		reservations: map[string]*store.Reservation{},
		byIdemKey:    map[string]string{},
		auctions:     map[string]*store.Auction{},
		bids:         map[string][]*store.Bid{},
		rateLimits:   map[rateLimitKey]*store.RateLimitRecord{},
	}
	return &store.Repositories{
		Vehicles:     &vehicleRepo{s},
		Reservations: &reservationRepo{s},
		Auctions:     &auctionRepo{s},
		RateLimits:   &rateLimitRepo{s},
		AuditLogs:    &auditLogRepo{s},
		Closer:       closerFunc(func() error { return nil }),
		Ping:         func(context.Context) error { return nil },
	}
}

type rateLimitKey struct {
	key    string
	window time.Time
}

// Store holds all in-memory tables behind one mutex.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	vehicles     map[string]*store.Vehicle
	reservations map[string]*store.Reservation
	byIdemKey    map[string]string // idempotency key -> reservation id
	auctions     map[string]*store.Auction
	bids         map[string][]*store.Bid
	rateLimits   map[rateLimitKey]*store.RateLimitRecord
	auditLogs    []store.AuditLogEntry
}

var (
	activeReservationStates = map[string]bool{"pending_payment": true, "paid": true, "confirmed": true}
	activeAuctionStates     = map[string]bool{"scheduled": true, "active": true, "ended_pending_payment": true}
)

func (s *Store) hasActiveReservation(vehicleID string) bool {
	for _, r := range s.reservations {
		if r.VehicleID == vehicleID && activeReservationStates[r.Status] {
			return true
		}
	}
	return false
}

func (s *Store) hasActiveAuction(vehicleID string) bool {
	for _, a := range s.auctions {
		if a.VehicleID == vehicleID && activeAuctionStates[a.Status] {
			return true
		}
	}
	return false
}

// --- vehicles ---

type vehicleRepo struct{ s *Store }

func (r *vehicleRepo) Create(_ context.Context, v *store.Vehicle) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = "draft"
	}
	cp := *v
	r.s.vehicles[v.ID] = &cp
	return nil
}

func (r *vehicleRepo) GetByID(_ context.Context, id string) (*store.Vehicle, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.vehicles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (r *vehicleRepo) UpdateStatus(_ context.Context, id, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.vehicles[id]
	if !ok || v.Status != from {
		return false, nil
	}
	v.Status = to
	v.UpdatedAt = r.s.clock.Now().UTC()
	return true, nil
}

func (r *vehicleRepo) HasActiveReservation(_ context.Context, vehicleID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.hasActiveReservation(vehicleID), nil
}

func (r *vehicleRepo) HasActiveAuction(_ context.Context, vehicleID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.hasActiveAuction(vehicleID), nil
}

// --- reservations ---

type reservationRepo struct{ s *Store }

func (r *reservationRepo) CreateWithVehicleHold(_ context.Context, res *store.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, dup := r.s.byIdemKey[res.IdempotencyKey]; dup {
		return store.ErrDuplicateIdempotencyKey
	}
	v, ok := r.s.vehicles[res.VehicleID]
	if !ok {
		return store.ErrNotFound
	}
	if v.Status != "published" || r.s.hasActiveReservation(res.VehicleID) || r.s.hasActiveAuction(res.VehicleID) {
		return store.ErrVehicleUnavailable
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	res.Status = "pending_payment"

	cp := *res
	r.s.reservations[res.ID] = &cp
	r.s.byIdemKey[res.IdempotencyKey] = res.ID
	v.Status = "reserved"
	v.UpdatedAt = now
	return nil
}

func (r *reservationRepo) CreateConfirmedWithAuctionClose(_ context.Context, res *store.Reservation, auctionID, winnerBidID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.auctions[auctionID]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status != "ended_pending_payment" {
		return store.ErrConflict
	}
	if _, dup := r.s.byIdemKey[res.IdempotencyKey]; dup {
		return store.ErrDuplicateIdempotencyKey
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	res.Status = "confirmed"

	a.Status = "closed_won"
	a.WinnerBidID = &winnerBidID
	a.UpdatedAt = now

	cp := *res
	r.s.reservations[res.ID] = &cp
	r.s.byIdemKey[res.IdempotencyKey] = res.ID

	if v, ok := r.s.vehicles[res.VehicleID]; ok {
		v.Status = "reserved"
		v.UpdatedAt = now
	}
	return nil
}

func (r *reservationRepo) GetByID(_ context.Context, id string) (*store.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *reservationRepo) GetByIdempotencyKey(_ context.Context, key string) (*store.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.byIdemKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r.s.reservations[id]
	return &cp, nil
}

func (r *reservationRepo) UpdateStatus(_ context.Context, id, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok || res.Status != from {
		return false, nil
	}
	res.Status = to
	res.UpdatedAt = r.s.clock.Now().UTC()
	return true, nil
}

func (r *reservationRepo) SetPaidWithVehicleHold(_ context.Context, id, from, paymentID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok || res.Status != from {
		return false, nil
	}
	now := r.s.clock.Now().UTC()
	res.Status = "paid"
	res.PaymentID = &paymentID
	res.UpdatedAt = now
	if v, ok := r.s.vehicles[res.VehicleID]; ok && v.Status == "published" {
		v.Status = "reserved"
		v.UpdatedAt = now
	}
	return true, nil
}

func (r *reservationRepo) FinishWithVehicleRelease(_ context.Context, id, from, to string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok || res.Status != from {
		return store.ErrConflict
	}
	now := r.s.clock.Now().UTC()
	res.Status = to
	res.UpdatedAt = now
	if v, ok := r.s.vehicles[res.VehicleID]; ok && v.Status == "reserved" {
		v.Status = "published"
		v.UpdatedAt = now
	}
	return nil
}

func (r *reservationRepo) ListExpired(_ context.Context, now time.Time) ([]store.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Reservation
	for _, res := range r.s.reservations {
		if (res.Status == "pending_payment" || res.Status == "paid") && res.ExpiresAt.Before(now) {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// --- auctions ---

type auctionRepo struct{ s *Store }

func (r *auctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.s.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = "scheduled"
	}
	cp := *a
	r.s.auctions[a.ID] = &cp
	return nil
}

func (r *auctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *auctionRepo) UpdateStatus(_ context.Context, id, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = r.s.clock.Now().UTC()
	return true, nil
}

func (r *auctionRepo) GetHighestBid(_ context.Context, auctionID string) (*store.Bid, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bids[auctionID] {
		if b.IsWinner {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *auctionRepo) InsertLeadingBid(_ context.Context, b *store.Bid) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	// The leadership check happens under the same lock as the commit: a
	// winner this bid does not beat means a concurrent bid landed after
	// the caller validated.
	for _, prev := range r.s.bids[b.AuctionID] {
		if prev.IsWinner && prev.Amount >= b.Amount {
			return store.ErrConflict
		}
	}
	b.CreatedAt = r.s.clock.Now().UTC()
	b.IsWinner = true
	for _, prev := range r.s.bids[b.AuctionID] {
		prev.IsWinner = false
	}
	cp := *b
	r.s.bids[b.AuctionID] = append(r.s.bids[b.AuctionID], &cp)
	return nil
}

func (r *auctionRepo) ExtendEndTime(_ context.Context, id string, from, to time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != "active" || !a.EndTime.Equal(from) {
		return false, nil
	}
	a.EndTime = to.UTC()
	a.UpdatedAt = r.s.clock.Now().UTC()
	return true, nil
}

func (r *auctionRepo) MarkEndedPendingPayment(_ context.Context, id, winnerID, winnerBidID string, paymentDeadline time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != "active" {
		return false, nil
	}
	deadline := paymentDeadline.UTC()
	a.Status = "ended_pending_payment"
	a.WinnerID = &winnerID
	a.WinnerBidID = &winnerBidID
	a.PaymentExpiresAt = &deadline
	a.UpdatedAt = r.s.clock.Now().UTC()
	return true, nil
}

func (r *auctionRepo) CloseFailedWithVehicleRelease(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auctions[id]
	if !ok || a.Status != "ended_pending_payment" {
		return store.ErrConflict
	}
	now := r.s.clock.Now().UTC()
	a.Status = "closed_failed"
	a.UpdatedAt = now
	if v, ok := r.s.vehicles[a.VehicleID]; ok && v.Status == "reserved" {
		v.Status = "published"
		v.UpdatedAt = now
	}
	return nil
}

func (r *auctionRepo) ListEnded(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Auction
	for _, a := range r.s.auctions {
		if a.Status == "active" && a.EndTime.Before(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *auctionRepo) ListPaymentOverdue(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.Auction
	for _, a := range r.s.auctions {
		if a.Status == "ended_pending_payment" && a.PaymentExpiresAt != nil && a.PaymentExpiresAt.Before(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentExpiresAt.Before(*out[j].PaymentExpiresAt) })
	return out, nil
}

// --- rate limits ---

type rateLimitRepo struct{ s *Store }

func (r *rateLimitRepo) Count(_ context.Context, key string, window time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec, ok := r.s.rateLimits[rateLimitKey{key: key, window: window.UTC()}]; ok {
		return rec.Count, nil
	}
	return 0, nil
}

func (r *rateLimitRepo) Increment(_ context.Context, rec *store.RateLimitRecord) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := rateLimitKey{key: rec.Key, window: rec.WindowTimestamp.UTC()}
	if existing, ok := r.s.rateLimits[k]; ok {
		existing.Count++
		return existing.Count, nil
	}
	cp := *rec
	cp.Count = 1
	cp.WindowTimestamp = k.window
	cp.ExpiresAt = rec.ExpiresAt.UTC()
	r.s.rateLimits[k] = &cp
	return 1, nil
}

func (r *rateLimitRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, rec := range r.s.rateLimits {
		if rec.ExpiresAt.Before(now) {
			delete(r.s.rateLimits, k)
			n++
		}
	}
	return n, nil
}

// --- audit logs ---

type auditLogRepo struct{ s *Store }

func (r *auditLogRepo) Append(_ context.Context, e *store.AuditLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = r.s.clock.Now().UTC()
	r.s.auditLogs = append(r.s.auditLogs, *e)
	return nil
}

func (r *auditLogRepo) CountRecent(_ context.Context, entityType, entityID, action string, since time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, e := range r.s.auditLogs {
		if e.EntityType == entityType && e.EntityID == entityID && e.Action == action && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *auditLogRepo) ListByEntity(_ context.Context, entityType, entityID string) ([]store.AuditLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []store.AuditLogEntry
	for _, e := range r.s.auditLogs {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
