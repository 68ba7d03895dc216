// Package ratelimit implements fixed-window bid throttling over the
// store's counter table. Three layers apply together; the most
// restrictive wins. Counters carry their own TTL so a record can be
// outside its counting window long before it is garbage-collected.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	"github.com/garagemlabs/garagem/internal/store"
)

// Limit type labels, also stored on the counter rows.
const (
	TypeBidPerAuction = "bid_per_auction"
	TypeBidPerBidder  = "bid_per_bidder"
	TypeBidPerIP      = "bid_per_ip"
)

// Result reports the outcome of a rate-limit check.
type Result struct {
	Allowed bool
	// Layer is the limit type that rejected the action, empty when allowed.
	Layer string
	// ResetAt is when the violated window rolls over.
	ResetAt time.Time
}

// Limiter enforces layered fixed-window limits.
type Limiter struct {
	records store.RateLimitRepository
	clock   clock.Clock
	cfg     config.RateLimitConfig
}

// NewLimiter returns a Limiter with the given configuration.
func NewLimiter(records store.RateLimitRepository, clk clock.Clock, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{records: records, clock: clk, cfg: cfg}
}

type layer struct {
	limitType  string
	identifier string
	key        string
	limit      int
}

// AllowBid checks one bid attempt against all three layers and reports
// whether it may proceed. Only accepted attempts count: the layers are
// read first and incremented only when every one has room, so a rejected
// burst does not extend the throttle.
func (l *Limiter) AllowBid(ctx context.Context, auctionID, bidderID, ip string) (*Result, error) {
	now := l.clock.Now().UTC()
	window := now.Truncate(l.cfg.Window)

	layers := []layer{
		{
			limitType:  TypeBidPerAuction,
			identifier: bidderID,
			key:        fmt.Sprintf("rate_limit:%s:%s:%s", TypeBidPerAuction, auctionID, bidderID),
			limit:      l.cfg.BidsPerAuction,
		},
		{
			limitType:  TypeBidPerBidder,
			identifier: bidderID,
			key:        fmt.Sprintf("rate_limit:%s:%s", TypeBidPerBidder, bidderID),
			limit:      l.cfg.BidsPerBidder,
		},
		{
			limitType:  TypeBidPerIP,
			identifier: ip,
			key:        fmt.Sprintf("rate_limit:%s:%s", TypeBidPerIP, ip),
			limit:      l.cfg.BidsPerIP,
		},
	}

	for _, ly := range layers {
		if ly.limit <= 0 || ly.identifier == "" {
			continue
		}
		count, err := l.records.Count(ctx, ly.key, window)
		if err != nil {
			return nil, fmt.Errorf("reading %s counter: %w", ly.limitType, err)
		}
		if count >= ly.limit {
			return &Result{
				Layer:   ly.limitType,
				ResetAt: window.Add(l.cfg.Window),
			}, nil
		}
	}

	for _, ly := range layers {
		if ly.limit <= 0 || ly.identifier == "" {
			continue
		}
		if _, err := l.records.Increment(ctx, &store.RateLimitRecord{
			Key:             ly.key,
			Identifier:      ly.identifier,
			Type:            ly.limitType,
			WindowTimestamp: window,
			ExpiresAt:       now.Add(l.cfg.RecordTTL),
		}); err != nil {
			return nil, fmt.Errorf("incrementing %s counter: %w", ly.limitType, err)
		}
	}
	return &Result{Allowed: true}, nil
}

// Cleanup garbage-collects counters past their TTL.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	return l.records.DeleteExpired(ctx, l.clock.Now().UTC())
}
