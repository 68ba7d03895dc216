// Package market implements the atomic transaction layer: every
// multi-row mutation over vehicles, reservations and auctions that must
// commit-or-not-at-all. Each operation re-reads current state, validates
// the transition through the state machine, performs the mutation as one
// atomic batch, and appends a best-effort audit entry.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garagemlabs/garagem/internal/audit"
	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	sm "github.com/garagemlabs/garagem/internal/statemachine"
	"github.com/garagemlabs/garagem/internal/store"
)

var tracer = otel.Tracer("github.com/garagemlabs/garagem/internal/market")

// Notifier receives fire-and-forget staff notifications. Implementations
// must never fail the calling operation.
type Notifier interface {
	ReservationConfirmed(ctx context.Context, vehicleID, reservationID string)
	AuctionClosed(ctx context.Context, auctionID, outcome string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) ReservationConfirmed(context.Context, string, string) {}
func (NopNotifier) AuctionClosed(context.Context, string, string)        {}

// Service is the atomic transaction layer.
type Service struct {
	vehicles     store.VehicleRepository
	reservations store.ReservationRepository
	auctions     store.AuctionRepository
	audit        *audit.Logger
	notifier     Notifier
	clock        clock.Clock
	logger       *slog.Logger
	cfg          config.MarketConfig
}

// NewService returns a market Service.
func NewService(repos *store.Repositories, auditLog *audit.Logger, notifier Notifier, clk clock.Clock, logger *slog.Logger, cfg config.MarketConfig) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		vehicles:     repos.Vehicles,
		reservations: repos.Reservations,
		auctions:     repos.Auctions,
		audit:        auditLog,
		notifier:     notifier,
		clock:        clk,
		logger:       logger,
		cfg:          cfg,
	}
}

// CreateReservationRequest carries the customer data for a new hold.
type CreateReservationRequest struct {
	VehicleID     string
	CustomerName  string
	CustomerEmail string
	Amount        int64
	// IdempotencyKey is generated when empty.
	IdempotencyKey string
}

// CreateReservation places a hold on an available vehicle. Exactly one of
// two concurrent callers on the same vehicle succeeds; the loser gets
// already_reserved. A reused idempotency key gets the distinct
// duplicate_idempotency_key failure so client retries are tellable from
// genuine conflicts.
func (s *Service) CreateReservation(ctx context.Context, req CreateReservationRequest) (*store.Reservation, error) {
	ctx, span := tracer.Start(ctx, "Service.CreateReservation",
		trace.WithAttributes(attribute.String("vehicle.id", req.VehicleID)),
	)
	defer span.End()

	v, err := s.vehicles.GetByID(ctx, req.VehicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: ErrCodeVehicleNotFound, Message: "vehicle not found"}
		}
		return nil, fmt.Errorf("loading vehicle: %w", err)
	}
	if !sm.CanTransition(sm.KindVehicle, sm.State(v.Status), sm.VehicleReserved) {
		return nil, &Error{
			Code:    ErrCodeAlreadyReserved,
			Message: fmt.Sprintf("vehicle cannot be reserved (status %s)", v.Status),
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	res := &store.Reservation{
		VehicleID:      req.VehicleID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Amount:         req.Amount,
		IdempotencyKey: key,
		ExpiresAt:      s.clock.Now().UTC().Add(s.cfg.ReservationTTL),
	}

	// The repository rechecks availability and flips the vehicle in the
	// same atomic batch; a lost race surfaces here, not as corruption.
	if err := s.reservations.CreateWithVehicleHold(ctx, res); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			return nil, &Error{
				Code:    ErrCodeDuplicateIdempotencyKey,
				Message: "a reservation with this idempotency key already exists",
			}
		case errors.Is(err, store.ErrVehicleUnavailable):
			return nil, &Error{
				Code:    ErrCodeAlreadyReserved,
				Message: "vehicle already has an active reservation or auction",
			}
		case errors.Is(err, store.ErrNotFound):
			return nil, &Error{Code: ErrCodeVehicleNotFound, Message: "vehicle not found"}
		}
		return nil, fmt.Errorf("creating reservation: %w", err)
	}

	s.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityReservation,
		EntityID:   res.ID,
		Action:     audit.ActionReservationCreated,
		NewValue:   fmt.Sprintf("vehicle=%s amount=%d expires=%s", res.VehicleID, res.Amount, res.ExpiresAt.Format(time.RFC3339)),
		Actor:      req.CustomerEmail,
	})
	s.logger.InfoContext(ctx, "reservation created",
		slog.String("reservation_id", res.ID),
		slog.String("vehicle_id", res.VehicleID),
		slog.Int64("amount", res.Amount),
	)
	return res, nil
}

// ConfirmPayment moves pending_payment -> paid and re-asserts the vehicle
// hold.
func (s *Service) ConfirmPayment(ctx context.Context, reservationID, paymentID string) (*store.Reservation, error) {
	ctx, span := tracer.Start(ctx, "Service.ConfirmPayment",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)),
	)
	defer span.End()

	res, err := s.getReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !sm.CanTransition(sm.KindReservation, sm.State(res.Status), sm.ReservationPaid) {
		return nil, &Error{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("reservation cannot move from %s to paid", res.Status),
		}
	}

	// One atomic batch: the reservation moves to paid and the vehicle
	// hold is re-asserted together, or neither happens.
	ok, err := s.reservations.SetPaidWithVehicleHold(ctx, reservationID, res.Status, paymentID)
	if err != nil {
		return nil, fmt.Errorf("marking reservation paid: %w", err)
	}
	if !ok {
		return nil, &Error{Code: ErrCodeConflict, Message: "reservation changed concurrently"}
	}

	s.auditStatusChange(ctx, audit.EntityReservation, reservationID, res.Status, "paid", paymentID)
	return s.getReservation(ctx, reservationID)
}

// ConfirmReservation moves paid -> confirmed.
func (s *Service) ConfirmReservation(ctx context.Context, reservationID, actor string) error {
	ctx, span := tracer.Start(ctx, "Service.ConfirmReservation",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)),
	)
	defer span.End()

	res, err := s.getReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !sm.CanTransition(sm.KindReservation, sm.State(res.Status), sm.ReservationConfirmed) {
		return &Error{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("reservation cannot move from %s to confirmed", res.Status),
		}
	}
	ok, err := s.reservations.UpdateStatus(ctx, reservationID, res.Status, "confirmed")
	if err != nil {
		return fmt.Errorf("confirming reservation: %w", err)
	}
	if !ok {
		return &Error{Code: ErrCodeConflict, Message: "reservation changed concurrently"}
	}
	s.auditStatusChange(ctx, audit.EntityReservation, reservationID, res.Status, "confirmed", actor)
	s.notifier.ReservationConfirmed(ctx, res.VehicleID, reservationID)
	return nil
}

// CancelReservation moves the reservation to cancelled and releases the
// vehicle back to published when it is still reserved.
func (s *Service) CancelReservation(ctx context.Context, reservationID, actor string) error {
	return s.finishReservation(ctx, reservationID, "cancelled", actor)
}

// RefundReservation moves the reservation to refunded and releases the
// vehicle when still reserved.
func (s *Service) RefundReservation(ctx context.Context, reservationID, actor string) error {
	return s.finishReservation(ctx, reservationID, "refunded", actor)
}

// ExpireReservation moves a past-deadline reservation to expired and
// releases the vehicle. Fails without mutating anything when the deadline
// has not actually passed.
func (s *Service) ExpireReservation(ctx context.Context, reservationID string) error {
	ctx, span := tracer.Start(ctx, "Service.ExpireReservation",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)),
	)
	defer span.End()

	res, err := s.getReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if s.clock.Now().Before(res.ExpiresAt) {
		return &Error{
			Code:    ErrCodeReservationNotExpired,
			Message: fmt.Sprintf("reservation does not expire until %s", res.ExpiresAt.Format(time.RFC3339)),
		}
	}
	if !sm.CanTransition(sm.KindReservation, sm.State(res.Status), sm.ReservationExpired) {
		return &Error{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("reservation cannot move from %s to expired", res.Status),
		}
	}

	if err := s.reservations.FinishWithVehicleRelease(ctx, reservationID, res.Status, "expired"); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Error{Code: ErrCodeConflict, Message: "reservation changed concurrently"}
		}
		return fmt.Errorf("expiring reservation: %w", err)
	}
	s.auditStatusChange(ctx, audit.EntityReservation, reservationID, res.Status, "expired", "sweeper")
	return nil
}

func (s *Service) finishReservation(ctx context.Context, reservationID, terminal, actor string) error {
	ctx, span := tracer.Start(ctx, "Service.finishReservation",
		trace.WithAttributes(
			attribute.String("reservation.id", reservationID),
			attribute.String("target", terminal),
		),
	)
	defer span.End()

	res, err := s.getReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !sm.CanTransition(sm.KindReservation, sm.State(res.Status), sm.State(terminal)) {
		return &Error{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("reservation cannot move from %s to %s", res.Status, terminal),
		}
	}
	if err := s.reservations.FinishWithVehicleRelease(ctx, reservationID, res.Status, terminal); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Error{Code: ErrCodeConflict, Message: "reservation changed concurrently"}
		}
		return fmt.Errorf("finishing reservation: %w", err)
	}
	s.auditStatusChange(ctx, audit.EntityReservation, reservationID, res.Status, terminal, actor)
	return nil
}

// PublishVehicle moves a vehicle to published.
func (s *Service) PublishVehicle(ctx context.Context, vehicleID, actor string) error {
	return s.moveVehicle(ctx, vehicleID, sm.VehiclePublished, actor, false)
}

// ArchiveVehicle moves a vehicle to the terminal archived state. Blocked
// while an active reservation or auction exists.
func (s *Service) ArchiveVehicle(ctx context.Context, vehicleID, actor string) error {
	return s.moveVehicle(ctx, vehicleID, sm.VehicleArchived, actor, true)
}

// MarkVehicleSold moves a vehicle to sold. Blocked while an active
// auction exists.
func (s *Service) MarkVehicleSold(ctx context.Context, vehicleID, actor string) error {
	return s.moveVehicle(ctx, vehicleID, sm.VehicleSold, actor, true)
}

func (s *Service) moveVehicle(ctx context.Context, vehicleID string, target sm.State, actor string, checkBlockers bool) error {
	ctx, span := tracer.Start(ctx, "Service.moveVehicle",
		trace.WithAttributes(
			attribute.String("vehicle.id", vehicleID),
			attribute.String("target", string(target)),
		),
	)
	defer span.End()

	v, err := s.vehicles.GetByID(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Code: ErrCodeVehicleNotFound, Message: "vehicle not found"}
		}
		return fmt.Errorf("loading vehicle: %w", err)
	}
	if !sm.CanTransition(sm.KindVehicle, sm.State(v.Status), target) {
		return &Error{
			Code:    ErrCodeInvalidTransition,
			Message: fmt.Sprintf("vehicle cannot move from %s to %s", v.Status, target),
		}
	}
	if checkBlockers {
		if target != sm.VehicleSold {
			blocked, err := s.vehicles.HasActiveReservation(ctx, vehicleID)
			if err != nil {
				return fmt.Errorf("checking active reservation: %w", err)
			}
			if blocked {
				return &Error{Code: ErrCodeVehicleBlocked, Message: "vehicle has an active reservation"}
			}
		}
		blocked, err := s.vehicles.HasActiveAuction(ctx, vehicleID)
		if err != nil {
			return fmt.Errorf("checking active auction: %w", err)
		}
		if blocked {
			return &Error{Code: ErrCodeVehicleBlocked, Message: "vehicle has an active auction"}
		}
	}

	ok, err := s.vehicles.UpdateStatus(ctx, vehicleID, v.Status, string(target))
	if err != nil {
		return fmt.Errorf("updating vehicle: %w", err)
	}
	if !ok {
		return &Error{Code: ErrCodeConflict, Message: "vehicle changed concurrently"}
	}
	s.auditStatusChange(ctx, audit.EntityVehicle, vehicleID, v.Status, string(target), actor)
	return nil
}

// ConfirmAuctionWinner records a completed winner payment: the auction
// closes as won, a reservation is created directly in confirmed state,
// and the vehicle is held — all in one atomic batch.
func (s *Service) ConfirmAuctionWinner(ctx context.Context, auctionID, paymentID, paymentStatus string) (*store.Reservation, error) {
	ctx, span := tracer.Start(ctx, "Service.ConfirmAuctionWinner",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	if paymentStatus != "completed" {
		return nil, &Error{
			Code:    ErrCodePaymentNotCompleted,
			Message: fmt.Sprintf("payment is %s, not completed", paymentStatus),
		}
	}

	a, err := s.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: ErrCodeAuctionNotFound, Message: "auction not found"}
		}
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	if a.Status != "ended_pending_payment" {
		return nil, &Error{
			Code:    ErrCodeAuctionNotPayable,
			Message: fmt.Sprintf("auction is %s, not awaiting payment", a.Status),
		}
	}

	winning, err := s.auctions.GetHighestBid(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading winning bid: %w", err)
	}
	if winning == nil {
		return nil, &Error{Code: ErrCodeNoWinningBid, Message: "auction has no winning bid"}
	}

	res := &store.Reservation{
		VehicleID:      a.VehicleID,
		CustomerName:   winning.BidderID,
		CustomerEmail:  winning.BidderID,
		Amount:         winning.Amount,
		IdempotencyKey: fmt.Sprintf("auction:%s:winner", auctionID),
		PaymentID:      &paymentID,
		ExpiresAt:      s.clock.Now().UTC().Add(s.cfg.ReservationTTL),
	}
	if err := s.reservations.CreateConfirmedWithAuctionClose(ctx, res, auctionID, winning.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return nil, &Error{Code: ErrCodeConflict, Message: "auction is no longer awaiting payment"}
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			// The winner was already confirmed; idempotent no-op.
			existing, getErr := s.reservations.GetByIdempotencyKey(ctx, res.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("loading existing winner reservation: %w", getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("confirming auction winner: %w", err)
	}

	s.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: audit.EntityAuction,
		EntityID:   auctionID,
		Action:     audit.ActionWinnerConfirmed,
		OldValue:   "ended_pending_payment",
		NewValue:   fmt.Sprintf("closed_won reservation=%s amount=%d", res.ID, res.Amount),
		Actor:      winning.BidderID,
	})
	s.logger.InfoContext(ctx, "auction winner confirmed",
		slog.String("auction_id", auctionID),
		slog.String("reservation_id", res.ID),
		slog.Int64("amount", res.Amount),
	)
	s.notifier.AuctionClosed(ctx, auctionID, "closed_won")
	return res, nil
}

// CancelAuctionByNoPayment closes an auction whose winner missed the
// payment deadline and releases the vehicle.
func (s *Service) CancelAuctionByNoPayment(ctx context.Context, auctionID string) error {
	ctx, span := tracer.Start(ctx, "Service.CancelAuctionByNoPayment",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	a, err := s.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Code: ErrCodeAuctionNotFound, Message: "auction not found"}
		}
		return fmt.Errorf("loading auction: %w", err)
	}
	if a.Status != "ended_pending_payment" {
		return &Error{
			Code:    ErrCodeAuctionNotPayable,
			Message: fmt.Sprintf("auction is %s, not awaiting payment", a.Status),
		}
	}
	if a.PaymentExpiresAt == nil || s.clock.Now().Before(*a.PaymentExpiresAt) {
		return &Error{Code: ErrCodePaymentNotDue, Message: "payment deadline has not passed"}
	}

	if err := s.auctions.CloseFailedWithVehicleRelease(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Error{Code: ErrCodeConflict, Message: "auction changed concurrently"}
		}
		return fmt.Errorf("closing auction as failed: %w", err)
	}
	s.auditStatusChange(ctx, audit.EntityAuction, auctionID, "ended_pending_payment", "closed_failed", "sweeper")
	s.notifier.AuctionClosed(ctx, auctionID, "closed_failed")
	return nil
}

func (s *Service) getReservation(ctx context.Context, id string) (*store.Reservation, error) {
	res, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: ErrCodeReservationNotFound, Message: "reservation not found"}
		}
		return nil, fmt.Errorf("loading reservation: %w", err)
	}
	return res, nil
}

func (s *Service) auditStatusChange(ctx context.Context, entityType, entityID, from, to, actor string) {
	s.audit.Record(ctx, &store.AuditLogEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     audit.ActionStatusChanged,
		OldValue:   from,
		NewValue:   to,
		Actor:      actor,
	})
}
