package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/garagemlabs/garagem/internal/store"
	"github.com/garagemlabs/garagem/internal/store/postgres"
)

func TestVehicleUpdateStatus_ConditionalOnFrom(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewVehicleRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")

	ok, err := repo.UpdateStatus(ctx, vehicleID, "published", "reserved")
	if err != nil || !ok {
		t.Fatalf("UpdateStatus() = %v, %v; want true, nil", ok, err)
	}

	ok, err = repo.UpdateStatus(ctx, vehicleID, "published", "archived")
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if ok {
		t.Error("stale UpdateStatus() landed, want conditional miss")
	}

	got, err := repo.GetByID(ctx, vehicleID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != "reserved" {
		t.Errorf("status = %q, want %q", got.Status, "reserved")
	}
}

func TestVehicleGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewVehicleRepo(db, testClock)

	_, err := repo.GetByID(context.Background(), uuid.NewString())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestVehicleHasActiveReservation(t *testing.T) {
	db := newTestDB(t)
	vehicles := postgres.NewVehicleRepo(db, testClock)
	reservations := postgres.NewReservationRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")

	active, err := vehicles.HasActiveReservation(ctx, vehicleID)
	if err != nil {
		t.Fatalf("HasActiveReservation() error = %v", err)
	}
	if active {
		t.Error("HasActiveReservation() = true before any reservation")
	}

	res := newReservation(vehicleID, "key-1")
	if err := reservations.CreateWithVehicleHold(ctx, res); err != nil {
		t.Fatalf("CreateWithVehicleHold() error = %v", err)
	}

	active, err = vehicles.HasActiveReservation(ctx, vehicleID)
	if err != nil {
		t.Fatalf("HasActiveReservation() error = %v", err)
	}
	if !active {
		t.Error("HasActiveReservation() = false with a pending reservation")
	}

	if err := reservations.FinishWithVehicleRelease(ctx, res.ID, "pending_payment", "cancelled"); err != nil {
		t.Fatalf("FinishWithVehicleRelease() error = %v", err)
	}

	active, err = vehicles.HasActiveReservation(ctx, vehicleID)
	if err != nil {
		t.Fatalf("HasActiveReservation() error = %v", err)
	}
	if active {
		t.Error("HasActiveReservation() = true after cancellation")
	}
}

func TestVehicleHasActiveAuction(t *testing.T) {
	db := newTestDB(t)
	vehicles := postgres.NewVehicleRepo(db, testClock)
	auctions := postgres.NewAuctionRepo(db, testClock)
	ctx := context.Background()

	vehicleID := seedVehicle(t, db, "published")
	a := seedAuction(t, auctions, vehicleID, time.Hour)

	active, err := vehicles.HasActiveAuction(ctx, vehicleID)
	if err != nil {
		t.Fatalf("HasActiveAuction() error = %v", err)
	}
	if !active {
		t.Error("HasActiveAuction() = false with an active auction")
	}

	if _, err := auctions.UpdateStatus(ctx, a.ID, "active", "cancelled"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	active, err = vehicles.HasActiveAuction(ctx, vehicleID)
	if err != nil {
		t.Fatalf("HasActiveAuction() error = %v", err)
	}
	if active {
		t.Error("HasActiveAuction() = true after cancellation")
	}
}
