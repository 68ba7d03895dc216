package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/store"
	"github.com/garagemlabs/garagem/internal/store/postgres"
)

var testClock = clock.Real{}

// seedVehicle inserts a vehicle in the given status and returns its
// generated ID.
func seedVehicle(t *testing.T, db *sqlx.DB, status string) string {
	t.Helper()
	repo := postgres.NewVehicleRepo(db, testClock)
	v := &store.Vehicle{
		Title:  "2020 VW Golf",
		Price:  75_000_000,
		Status: status,
	}
	if err := repo.Create(context.Background(), v); err != nil {
		t.Fatalf("seeding vehicle: %v", err)
	}
	return v.ID
}

func newReservation(vehicleID, key string) *store.Reservation {
	return &store.Reservation{
		VehicleID:      vehicleID,
		CustomerName:   "Ana",
		CustomerEmail:  "ana@example.com",
		Amount:         75_000_000,
		IdempotencyKey: key,
		ExpiresAt:      time.Now().UTC().Add(48 * time.Hour),
	}
}

func TestCreateWithVehicleHold(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")

	res := newReservation(vehicleID, "key-1")
	if err := repo.CreateWithVehicleHold(ctx, res); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}
	if res.Status != "pending_payment" {
		t.Errorf("status = %q, want %q", res.Status, "pending_payment")
	}

	vehicles := postgres.NewVehicleRepo(db, testClock)
	v, err := vehicles.GetByID(ctx, vehicleID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if v.Status != "reserved" {
		t.Errorf("vehicle status = %q, want %q", v.Status, "reserved")
	}

	// Second hold on the same vehicle loses.
	err = repo.CreateWithVehicleHold(ctx, newReservation(vehicleID, "key-2"))
	if !errors.Is(err, store.ErrVehicleUnavailable) {
		t.Errorf("second hold error = %v, want ErrVehicleUnavailable", err)
	}
}

func TestCreateWithVehicleHold_DuplicateKey(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	ctx := context.Background()

	first := seedVehicle(t, db, "published")
	second := seedVehicle(t, db, "published")

	if err := repo.CreateWithVehicleHold(ctx, newReservation(first, "key-1")); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}

	err := repo.CreateWithVehicleHold(ctx, newReservation(second, "key-1"))
	if !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		t.Errorf("duplicate key error = %v, want ErrDuplicateIdempotencyKey", err)
	}

	// The failed transaction must not have held the second vehicle.
	vehicles := postgres.NewVehicleRepo(db, testClock)
	v, err := vehicles.GetByID(ctx, second)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if v.Status != "published" {
		t.Errorf("vehicle status = %q, want %q (rollback)", v.Status, "published")
	}
}

func TestCreateWithVehicleHold_Concurrent(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.CreateWithVehicleHold(ctx, newReservation(vehicleID, fmt.Sprintf("key-%d", i)))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, store.ErrVehicleUnavailable) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
}

func TestSetPaidWithVehicleHold(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	vehicles := postgres.NewVehicleRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")
	res := newReservation(vehicleID, "key-1")
	if err := repo.CreateWithVehicleHold(ctx, res); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}

	// Simulate the hold drifting loose (e.g. a racing release) before
	// the payment lands; the paid update must re-assert it in the same
	// transaction.
	if _, err := vehicles.UpdateStatus(ctx, vehicleID, "reserved", "published"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	ok, err := repo.SetPaidWithVehicleHold(ctx, res.ID, "pending_payment", "pay-1")
	if err != nil || !ok {
		t.Fatalf("SetPaidWithVehicleHold() = %v, %v; want true, nil", ok, err)
	}

	v, err := vehicles.GetByID(ctx, vehicleID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if v.Status != "reserved" {
		t.Errorf("vehicle status = %q, want %q", v.Status, "reserved")
	}

	// Replaying with the stale from-state must not land.
	ok, err = repo.SetPaidWithVehicleHold(ctx, res.ID, "pending_payment", "pay-2")
	if err != nil {
		t.Fatalf("SetPaidWithVehicleHold() error = %v", err)
	}
	if ok {
		t.Error("stale SetPaidWithVehicleHold() landed, want conditional miss")
	}

	got, err := repo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.PaymentID == nil || *got.PaymentID != "pay-1" {
		t.Errorf("payment_id = %v, want pay-1", got.PaymentID)
	}

	// A sold vehicle is never pulled back by a payment.
	if _, err := vehicles.UpdateStatus(ctx, vehicleID, "reserved", "sold"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if _, err := repo.SetPaidWithVehicleHold(ctx, res.ID, "paid", "pay-3"); err != nil {
		t.Fatalf("SetPaidWithVehicleHold() error = %v", err)
	}
	v, err = vehicles.GetByID(ctx, vehicleID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if v.Status != "sold" {
		t.Errorf("vehicle status = %q, want %q (guard)", v.Status, "sold")
	}
}

func TestFinishWithVehicleRelease(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	vehicles := postgres.NewVehicleRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")
	res := newReservation(vehicleID, "key-1")
	if err := repo.CreateWithVehicleHold(ctx, res); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}

	if err := repo.FinishWithVehicleRelease(ctx, res.ID, "pending_payment", "cancelled"); err != nil {
		t.Fatalf("FinishWithVehicleRelease() error = %v", err)
	}

	v, err := vehicles.GetByID(ctx, vehicleID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if v.Status != "published" {
		t.Errorf("vehicle status = %q, want %q", v.Status, "published")
	}

	// Finishing an already-terminal reservation is a conflict.
	err = repo.FinishWithVehicleRelease(ctx, res.ID, "pending_payment", "expired")
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("repeat finish error = %v, want ErrConflict", err)
	}
}

func TestGetByIdempotencyKey(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")
	res := newReservation(vehicleID, "key-1")
	if err := repo.CreateWithVehicleHold(ctx, res); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}

	got, err := repo.GetByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error = %v", err)
	}
	if got.ID != res.ID {
		t.Errorf("reservation ID = %s, want %s", got.ID, res.ID)
	}

	_, err = repo.GetByIdempotencyKey(ctx, "unknown")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown key error = %v, want ErrNotFound", err)
	}
}

func TestListExpired(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewReservationRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")
	res := newReservation(vehicleID, "key-1")
	res.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := repo.CreateWithVehicleHold(ctx, res); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}

	expired, err := repo.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != res.ID {
		t.Errorf("ListExpired() = %v, want [%s]", expired, res.ID)
	}
}
