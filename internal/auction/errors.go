package auction

import "time"

// Bid rejection codes. These cross the operation boundary as values, not
// panics, and the HTTP layer maps them onto status codes.
const (
	CodeRateLimited      = "rate_limited"
	CodeAuctionNotFound  = "auction_not_found"
	CodeAuctionNotActive = "auction_not_active"
	CodeAuctionEnded     = "auction_ended"
	CodeInvalidAmount    = "invalid_amount"
)

// BidError is a typed bid rejection carrying a machine code and a
// human-readable message naming the exact reason.
type BidError struct {
	Code    string
	Message string
	// ResetAt is set only for rate_limited rejections.
	ResetAt time.Time
	// MinimumRequired is set only for invalid_amount rejections.
	MinimumRequired int64
}

func (e *BidError) Error() string { return e.Message }
