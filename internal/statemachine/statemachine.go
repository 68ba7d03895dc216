// Package statemachine validates entity lifecycle transitions. It is pure
// and side-effect free: callers read current state from storage, ask the
// guard whether a target state is legal, and perform the mutation
// themselves. Unknown kinds or states are rejected, never panicked on, so
// the guard is safe to call with unsanitized external input.
package statemachine

// Kind identifies an entity lifecycle.
type Kind string

const (
	KindVehicle     Kind = "vehicle"
	KindReservation Kind = "reservation"
	KindConsignment Kind = "consignment"
	KindAuction     Kind = "auction"
	KindRaffle      Kind = "raffle"
)

// State is a lifecycle state of some entity kind.
type State string

// Vehicle states.
const (
	VehicleDraft     State = "draft"
	VehiclePublished State = "published"
	VehicleReserved  State = "reserved"
	VehicleSold      State = "sold"
	VehicleHidden    State = "hidden"
	VehicleArchived  State = "archived"
)

// Reservation states. The first three form a monotonic progression;
// the rest are terminal.
const (
	ReservationPendingPayment State = "pending_payment"
	ReservationPaid           State = "paid"
	ReservationConfirmed      State = "confirmed"
	ReservationCancelled      State = "cancelled"
	ReservationRefunded       State = "refunded"
	ReservationExpired        State = "expired"
)

// Consignment states.
const (
	ConsignmentPendingReview State = "pending_review"
	ConsignmentApproved      State = "approved"
	ConsignmentListed        State = "listed"
	ConsignmentRejected      State = "rejected"
	ConsignmentWithdrawn     State = "withdrawn"
)

// Auction states.
const (
	AuctionScheduled           State = "scheduled"
	AuctionActive              State = "active"
	AuctionEndedPendingPayment State = "ended_pending_payment"
	AuctionEndedNoBids         State = "ended_no_bids"
	AuctionClosedWon           State = "closed_won"
	AuctionClosedFailed        State = "closed_failed"
	AuctionCancelled           State = "cancelled"
	AuctionExpired             State = "expired"
)

// Raffle states.
const (
	RaffleDraft     State = "draft"
	RaffleOpen      State = "open"
	RaffleDrawn     State = "drawn"
	RaffleCancelled State = "cancelled"
)

// transitions holds the adjacency list per entity kind. A state mapping to
// an empty list is terminal. Reservations are handled separately in
// reservationTransition because their rule is an ordered progression, not
// a plain adjacency list.
var transitions = map[Kind]map[State][]State{
	KindVehicle: {
		VehicleDraft:     {VehiclePublished, VehicleHidden, VehicleArchived},
		VehiclePublished: {VehicleReserved, VehicleSold, VehicleHidden, VehicleArchived},
		VehicleReserved:  {VehicleSold, VehiclePublished},
		VehicleSold:      {VehicleArchived},
		VehicleHidden:    {VehicleDraft, VehiclePublished, VehicleArchived},
		VehicleArchived:  {},
	},
	KindConsignment: {
		ConsignmentPendingReview: {ConsignmentApproved, ConsignmentRejected, ConsignmentWithdrawn},
		ConsignmentApproved:      {ConsignmentListed, ConsignmentWithdrawn},
		ConsignmentListed:        {ConsignmentWithdrawn},
		ConsignmentRejected:      {},
		ConsignmentWithdrawn:     {},
	},
	KindAuction: {
		AuctionScheduled:           {AuctionActive, AuctionCancelled},
		AuctionActive:              {AuctionEndedPendingPayment, AuctionEndedNoBids, AuctionCancelled, AuctionExpired},
		AuctionEndedPendingPayment: {AuctionClosedWon, AuctionClosedFailed, AuctionCancelled},
		AuctionEndedNoBids:         {},
		AuctionClosedWon:           {},
		AuctionClosedFailed:        {},
		AuctionCancelled:           {},
		AuctionExpired:             {},
	},
	KindRaffle: {
		RaffleDraft:     {RaffleOpen, RaffleCancelled},
		RaffleOpen:      {RaffleDrawn, RaffleCancelled},
		RaffleDrawn:     {},
		RaffleCancelled: {},
	},
}

// reservationOrder ranks the progressive reservation states.
var reservationOrder = map[State]int{
	ReservationPendingPayment: 1,
	ReservationPaid:           2,
	ReservationConfirmed:      3,
}

// reservationTransition implements the reservation rule: any forward jump
// along the progression is allowed, cancelled/refunded are reachable from
// any non-terminal state, expired is reachable from pending_payment and
// paid, and confirmed may step back to paid as a compensating correction.
func reservationTransition(from, to State) bool {
	fromRank, fromProgressive := reservationOrder[from]
	if !fromProgressive {
		// Terminal (or unknown) states have no outgoing transitions.
		return false
	}

	switch to {
	case ReservationCancelled, ReservationRefunded:
		return true
	case ReservationExpired:
		return from == ReservationPendingPayment || from == ReservationPaid
	case ReservationPaid:
		// Forward from pending_payment, or the single backward
		// exception confirmed -> paid.
		return from == ReservationPendingPayment || from == ReservationConfirmed
	}

	toRank, toProgressive := reservationOrder[to]
	if !toProgressive {
		return false
	}
	return toRank > fromRank
}

// CanTransition reports whether moving from one state to another is legal
// for the given entity kind. Unknown kinds or states return false.
func CanTransition(kind Kind, from, to State) bool {
	if kind == KindReservation {
		return reservationTransition(from, to)
	}
	table, ok := transitions[kind]
	if !ok {
		return false
	}
	next, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states reachable from the given state.
// The result is a copy; callers may mutate it freely. Unknown kinds or
// states return nil.
func AllowedTransitions(kind Kind, from State) []State {
	if kind == KindReservation {
		return allowedReservationTransitions(from)
	}
	table, ok := transitions[kind]
	if !ok {
		return nil
	}
	next, ok := table[from]
	if !ok {
		return nil
	}
	out := make([]State, len(next))
	copy(out, next)
	return out
}

func allowedReservationTransitions(from State) []State {
	if _, ok := reservationOrder[from]; !ok {
		if isKnownReservationTerminal(from) {
			return []State{}
		}
		return nil
	}
	var out []State
	for _, to := range []State{
		ReservationPendingPayment, ReservationPaid, ReservationConfirmed,
		ReservationCancelled, ReservationRefunded, ReservationExpired,
	} {
		if reservationTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

func isKnownReservationTerminal(s State) bool {
	switch s {
	case ReservationCancelled, ReservationRefunded, ReservationExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the state is a known terminal state of the
// kind. Unknown states are not terminal; they are simply invalid.
func IsTerminal(kind Kind, s State) bool {
	if kind == KindReservation {
		return isKnownReservationTerminal(s)
	}
	table, ok := transitions[kind]
	if !ok {
		return false
	}
	next, ok := table[s]
	return ok && len(next) == 0
}
