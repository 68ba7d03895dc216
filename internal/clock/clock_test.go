package clock_test

import (
	"testing"
	"time"

	"github.com/garagemlabs/garagem/internal/clock"
)

func TestReal_Now(t *testing.T) {
	clk := clock.Real{}
	before := time.Now()
	got := clk.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestMock_Now(t *testing.T) {
	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(fixed)

	got := clk.Now()
	if !got.Equal(fixed) {
		t.Errorf("Mock.Now() = %v, want %v", got, fixed)
	}

	// Call again to ensure determinism.
	got2 := clk.Now()
	if !got2.Equal(fixed) {
		t.Errorf("Mock.Now() second call = %v, want %v", got2, fixed)
	}
}

func TestMock_Advance(t *testing.T) {
	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(fixed)

	clk.Advance(48 * time.Hour)
	want := fixed.Add(48 * time.Hour)
	if got := clk.Now(); !got.Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", got, want)
	}

	clk.Set(fixed)
	if got := clk.Now(); !got.Equal(fixed) {
		t.Errorf("after Set, Now() = %v, want %v", got, fixed)
	}
}
