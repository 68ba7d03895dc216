package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/store"
	"github.com/garagemlabs/garagem/internal/store/memstore"
)

func open(t *testing.T) (*store.Repositories, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return memstore.Open(clk), clk
}

func TestVehicleUpdateStatus_ConditionalOnFrom(t *testing.T) {
	repos, _ := open(t)
	ctx := context.Background()

	require.NoError(t, repos.Vehicles.Create(ctx, &store.Vehicle{ID: "v-1", Status: "draft"}))

	ok, err := repos.Vehicles.UpdateStatus(ctx, "v-1", "draft", "published")
	require.NoError(t, err)
	require.True(t, ok)

	// Stale from-state: the update must not land.
	ok, err = repos.Vehicles.UpdateStatus(ctx, "v-1", "draft", "archived")
	require.NoError(t, err)
	require.False(t, ok)

	v, err := repos.Vehicles.GetByID(ctx, "v-1")
	require.NoError(t, err)
	require.Equal(t, "published", v.Status)
}

func TestCreateWithVehicleHold_Races(t *testing.T) {
	repos, clk := open(t)
	ctx := context.Background()

	require.NoError(t, repos.Vehicles.Create(ctx, &store.Vehicle{ID: "v-1", Status: "published"}))

	first := &store.Reservation{
		VehicleID:      "v-1",
		CustomerEmail:  "ana@example.com",
		IdempotencyKey: "key-1",
		ExpiresAt:      clk.Now().Add(48 * time.Hour),
	}
	require.NoError(t, repos.Reservations.CreateWithVehicleHold(ctx, first))
	require.Equal(t, "pending_payment", first.Status)

	// Loser of the race.
	err := repos.Reservations.CreateWithVehicleHold(ctx, &store.Reservation{
		VehicleID:      "v-1",
		CustomerEmail:  "beto@example.com",
		IdempotencyKey: "key-2",
		ExpiresAt:      clk.Now().Add(48 * time.Hour),
	})
	require.ErrorIs(t, err, store.ErrVehicleUnavailable)

	// Key collision is reported distinctly, and before the availability
	// check so retries are recognizable.
	err = repos.Reservations.CreateWithVehicleHold(ctx, &store.Reservation{
		VehicleID:      "v-1",
		CustomerEmail:  "ana@example.com",
		IdempotencyKey: "key-1",
		ExpiresAt:      clk.Now().Add(48 * time.Hour),
	})
	require.ErrorIs(t, err, store.ErrDuplicateIdempotencyKey)
}

func TestInsertLeadingBid_SingleWinner(t *testing.T) {
	repos, _ := open(t)
	ctx := context.Background()

	require.NoError(t, repos.Auctions.Create(ctx, &store.Auction{ID: "a-1", Status: "active"}))

	for i, amount := range []int64{1_000, 2_000, 3_000} {
		require.NoError(t, repos.Auctions.InsertLeadingBid(ctx, &store.Bid{
			AuctionID: "a-1",
			BidderID:  "bidder",
			Amount:    amount,
		}))
		highest, err := repos.Auctions.GetHighestBid(ctx, "a-1")
		require.NoError(t, err)
		require.Equal(t, amount, highest.Amount, "bid %d must be the sole winner", i)
	}
}

func TestInsertLeadingBid_LowerBidCannotTakeLeadership(t *testing.T) {
	repos, _ := open(t)
	ctx := context.Background()

	require.NoError(t, repos.Auctions.Create(ctx, &store.Auction{ID: "a-1", Status: "active"}))
	require.NoError(t, repos.Auctions.InsertLeadingBid(ctx, &store.Bid{
		AuctionID: "a-1", BidderID: "high", Amount: 11_000_000,
	}))

	// A commit that validated against a stale highest must not demote a
	// standing winner it does not beat. Equal amounts lose too: first
	// writer keeps the flag.
	for _, amount := range []int64{10_500_000, 11_000_000} {
		err := repos.Auctions.InsertLeadingBid(ctx, &store.Bid{
			AuctionID: "a-1", BidderID: "low", Amount: amount,
		})
		require.ErrorIs(t, err, store.ErrConflict)
	}

	highest, err := repos.Auctions.GetHighestBid(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "high", highest.BidderID)
	require.Equal(t, int64(11_000_000), highest.Amount)
}

func TestExtendEndTime_LostRace(t *testing.T) {
	repos, clk := open(t)
	ctx := context.Background()

	end := clk.Now().Add(time.Minute)
	require.NoError(t, repos.Auctions.Create(ctx, &store.Auction{
		ID:      "a-1",
		Status:  "active",
		EndTime: end,
	}))

	ok, err := repos.Auctions.ExtendEndTime(ctx, "a-1", end, end.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	// Re-running with the stale end time observes the lost race.
	ok, err = repos.Auctions.ExtendEndTime(ctx, "a-1", end, end.Add(4*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	a, err := repos.Auctions.GetByID(ctx, "a-1")
	require.NoError(t, err)
	require.True(t, a.EndTime.Equal(end.Add(2*time.Minute)))
}

func TestFinishWithVehicleRelease_GuardsVehicle(t *testing.T) {
	repos, clk := open(t)
	ctx := context.Background()

	require.NoError(t, repos.Vehicles.Create(ctx, &store.Vehicle{ID: "v-1", Status: "published"}))
	res := &store.Reservation{
		VehicleID:      "v-1",
		CustomerEmail:  "ana@example.com",
		IdempotencyKey: "key-1",
		ExpiresAt:      clk.Now().Add(48 * time.Hour),
	}
	require.NoError(t, repos.Reservations.CreateWithVehicleHold(ctx, res))

	// Vehicle moved on through another path; the release must not
	// clobber it.
	ok, err := repos.Vehicles.UpdateStatus(ctx, "v-1", "reserved", "sold")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repos.Reservations.FinishWithVehicleRelease(ctx, res.ID, "pending_payment", "cancelled"))

	v, err := repos.Vehicles.GetByID(ctx, "v-1")
	require.NoError(t, err)
	require.Equal(t, "sold", v.Status)

	// And a stale from-state is a conflict.
	err = repos.Reservations.FinishWithVehicleRelease(ctx, res.ID, "pending_payment", "cancelled")
	require.ErrorIs(t, err, store.ErrConflict)
}
