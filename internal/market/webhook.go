package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garagemlabs/garagem/internal/audit"
	sm "github.com/garagemlabs/garagem/internal/statemachine"
	"github.com/garagemlabs/garagem/internal/store"
)

// WebhookPayload is a payment gateway notification. Deliveries may be
// repeated; the idempotency key is chosen by this system, so redelivered
// notifications for the same logical event carry the same key.
type WebhookPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	PaymentID      string `json:"payment_id"`
	Status         string `json:"status"`
}

// WebhookResult reports what the webhook did.
type WebhookResult struct {
	ReservationID string
	// Applied is false when the delivery was a no-op: either a repeat
	// of an already-processed event, or a non-final payment status.
	Applied bool
	Status  string
}

// ProcessPaymentWebhook applies a payment notification exactly once.
// Calling it N times with an identical payload mutates storage once and
// returns success all N times: the repeats observe "already paid" and
// report a no-op success, not an error.
func (s *Service) ProcessPaymentWebhook(ctx context.Context, payload WebhookPayload) (*WebhookResult, error) {
	ctx, span := tracer.Start(ctx, "Service.ProcessPaymentWebhook",
		trace.WithAttributes(
			attribute.String("payment.id", payload.PaymentID),
			attribute.String("payment.status", payload.Status),
		),
	)
	defer span.End()

	res, err := s.reservations.GetByIdempotencyKey(ctx, payload.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: ErrCodeReservationNotFound, Message: "no reservation for idempotency key"}
		}
		return nil, fmt.Errorf("loading reservation by idempotency key: %w", err)
	}

	s.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityReservation,
		EntityID:   res.ID,
		Action:     audit.ActionWebhookReceived,
		NewValue:   fmt.Sprintf("payment=%s status=%s", payload.PaymentID, payload.Status),
		Actor:      "payment-gateway",
	})

	// Repeat delivery: already paid (or further along) is a no-op
	// success, the core of at-least-once -> exactly-once. This comes
	// before the expiry check so a redelivery that arrives after
	// expires_at for an already-settled reservation still acks cleanly.
	if res.Status == "paid" || res.Status == "confirmed" {
		s.logger.InfoContext(ctx, "webhook replay observed, no-op",
			slog.String("reservation_id", res.ID),
			slog.String("status", res.Status),
		)
		return &WebhookResult{ReservationID: res.ID, Applied: false, Status: res.Status}, nil
	}

	// Expiry is re-checked here against the server clock rather than
	// trusting status alone: the sweep is lazy, so a reservation can be
	// logically expired before it is marked.
	if res.Status == "expired" || s.isPastDeadline(res) {
		return nil, &Error{
			Code:    ErrCodeReservationExpired,
			Message: "reservation has expired",
		}
	}

	if payload.Status != "completed" {
		// Non-final gateway statuses are acknowledged without mutating
		// anything so the gateway stops redelivering.
		s.logger.InfoContext(ctx, "ignoring non-final payment status",
			slog.String("reservation_id", res.ID),
			slog.String("payment_status", payload.Status),
		)
		return &WebhookResult{ReservationID: res.ID, Applied: false, Status: res.Status}, nil
	}

	if !sm.CanTransition(sm.KindReservation, sm.State(res.Status), sm.ReservationPaid) {
		return nil, &Error{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("reservation is %s and cannot be paid", res.Status),
		}
	}

	updated, err := s.ConfirmPayment(ctx, res.ID, payload.PaymentID)
	if err != nil {
		var mErr *Error
		// A concurrent delivery may have applied the payment between
		// our read and the conditional update; absorb it as a replay.
		if errors.As(err, &mErr) && mErr.Code == ErrCodeConflict {
			return &WebhookResult{ReservationID: res.ID, Applied: false, Status: "paid"}, nil
		}
		return nil, err
	}

	s.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityReservation,
		EntityID:   res.ID,
		Action:     audit.ActionPaymentConfirmed,
		OldValue:   res.Status,
		NewValue:   updated.Status,
		Actor:      "payment-gateway",
	})
	return &WebhookResult{ReservationID: res.ID, Applied: true, Status: updated.Status}, nil
}

func (s *Service) isPastDeadline(res *store.Reservation) bool {
	return !s.clock.Now().Before(res.ExpiresAt)
}
