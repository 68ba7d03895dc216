package market

import "fmt"

// Error codes for business-rule failures. Conflict-shaped codes are kept
// distinct from plain validation so callers and tests can assert on them
// and the HTTP layer can answer 409 instead of 400.
const (
	ErrCodeVehicleNotFound         = "vehicle_not_found"
	ErrCodeReservationNotFound     = "reservation_not_found"
	ErrCodeAuctionNotFound         = "auction_not_found"
	ErrCodeAlreadyReserved         = "already_reserved"
	ErrCodeDuplicateIdempotencyKey = "duplicate_idempotency_key"
	ErrCodeConflict                = "conflict"
	ErrCodeInvalidTransition       = "invalid_transition"
	ErrCodeVehicleBlocked          = "vehicle_blocked"
	ErrCodeReservationExpired      = "reservation_expired"
	ErrCodeReservationNotExpired   = "reservation_not_expired"
	ErrCodePaymentNotCompleted     = "payment_not_completed"
	ErrCodeNoWinningBid            = "no_winning_bid"
	ErrCodeAuctionNotPayable       = "auction_not_payable"
	ErrCodePaymentNotDue           = "payment_not_due"
)

// Error is a typed business-rule failure. It crosses the operation
// boundary as a value; infrastructure failures are ordinary wrapped
// errors instead.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsConflict reports whether the error code represents a lost race or
// duplicate rather than plain bad input.
func (e *Error) IsConflict() bool {
	switch e.Code {
	case ErrCodeAlreadyReserved, ErrCodeDuplicateIdempotencyKey, ErrCodeConflict:
		return true
	}
	return false
}
