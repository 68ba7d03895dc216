// Package api exposes the marketplace over HTTP/JSON.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/garagemlabs/garagem/internal/auction"
	"github.com/garagemlabs/garagem/internal/market"
	"github.com/garagemlabs/garagem/internal/store"
	"github.com/garagemlabs/garagem/internal/telemetry"
)

// Handler serves the marketplace API.
type Handler struct {
	market    *market.Service
	processor *auction.Processor
	vehicles  store.VehicleRepository
	logger    *slog.Logger
}

// NewHandler returns an API handler.
func NewHandler(svc *market.Service, processor *auction.Processor, vehicles store.VehicleRepository, logger *slog.Logger) *Handler {
	return &Handler{
		market:    svc,
		processor: processor,
		vehicles:  vehicles,
		logger:    logger,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/reservations", otelhttp.NewHandler(http.HandlerFunc(h.createReservation), "CreateReservation"))
	mux.Handle("POST /api/v1/auctions/{id}/bids", otelhttp.NewHandler(http.HandlerFunc(h.placeBid), "PlaceBid"))
	mux.Handle("POST /api/v1/webhooks/payment", otelhttp.NewHandler(http.HandlerFunc(h.paymentWebhook), "PaymentWebhook"))
	mux.Handle("GET /api/v1/vehicles/{id}", otelhttp.NewHandler(http.HandlerFunc(h.getVehicle), "GetVehicle"))
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type reservationRequest struct {
	VehicleID      string `json:"vehicle_id"`
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type reservationResponse struct {
	ID        string    `json:"id"`
	VehicleID string    `json:"vehicle_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.VehicleID == "" || req.CustomerEmail == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "vehicle_id and customer_email are required")
		return
	}

	res, err := h.market.CreateReservation(r.Context(), market.CreateReservationRequest{
		VehicleID:      req.VehicleID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{
		ID:        res.ID,
		VehicleID: res.VehicleID,
		Status:    res.Status,
		ExpiresAt: res.ExpiresAt,
	})
}

type bidRequest struct {
	BidderID string `json:"bidder_id"`
	Amount   int64  `json:"amount"`
}

type bidResponse struct {
	BidID      string     `json:"bid_id"`
	Amount     int64      `json:"amount"`
	Extended   bool       `json:"extended"`
	NewEndTime *time.Time `json:"new_end_time,omitempty"`
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	auctionID := r.PathValue("id")

	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.BidderID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "bidder_id is required")
		return
	}

	result, err := h.processor.PlaceBid(r.Context(), auctionID, auction.BidRequest{
		BidderID: req.BidderID,
		IP:       clientIP(r),
		Amount:   req.Amount,
	})
	if err != nil {
		h.writeBidError(w, r, err)
		return
	}

	resp := bidResponse{
		BidID:    result.BidID,
		Amount:   result.Amount,
		Extended: result.Extended,
	}
	if result.Extended {
		resp.NewEndTime = &result.NewEndTime
	}
	writeJSON(w, http.StatusCreated, resp)
}

type webhookResponse struct {
	ReservationID string `json:"reservation_id"`
	Applied       bool   `json:"applied"`
	Status        string `json:"status"`
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var payload market.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if payload.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "idempotency_key is required")
		return
	}

	result, err := h.market.ProcessPaymentWebhook(r.Context(), payload)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		ReservationID: result.ReservationID,
		Applied:       result.Applied,
		Status:        result.Status,
	})
}

type vehicleResponse struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Price  int64  `json:"price"`
	Status string `json:"status"`
}

func (h *Handler) getVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.vehicles.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vehicle_not_found", "vehicle not found")
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicleResponse{
		ID:     v.ID,
		Title:  v.Title,
		Price:  v.Price,
		Status: v.Status,
	})
}

// writeMarketError maps typed market errors onto HTTP status codes.
// Anything untyped is an infrastructure failure and reports 500 without
// leaking internals.
func (h *Handler) writeMarketError(w http.ResponseWriter, r *http.Request, err error) {
	var mErr *market.Error
	if !errors.As(err, &mErr) {
		h.internalError(w, r, err)
		return
	}

	status := http.StatusBadRequest
	switch mErr.Code {
	case market.ErrCodeVehicleNotFound, market.ErrCodeReservationNotFound, market.ErrCodeAuctionNotFound:
		status = http.StatusNotFound
	case market.ErrCodeAlreadyReserved, market.ErrCodeDuplicateIdempotencyKey, market.ErrCodeConflict:
		status = http.StatusConflict
	}
	writeError(w, status, mErr.Code, mErr.Message)
}

func (h *Handler) writeBidError(w http.ResponseWriter, r *http.Request, err error) {
	var bidErr *auction.BidError
	if !errors.As(err, &bidErr) {
		h.internalError(w, r, err)
		return
	}

	status := http.StatusBadRequest
	switch bidErr.Code {
	case auction.CodeRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", bidErr.ResetAt.UTC().Format(http.TimeFormat))
	case auction.CodeAuctionNotFound:
		status = http.StatusNotFound
	}
	writeError(w, status, bidErr.Code, bidErr.Message)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	telemetry.LogWithTrace(r.Context(), h.logger).ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, errorBody{Code: errCode, Message: message})
}

// clientIP prefers X-Forwarded-For so rate limiting sees the real client
// behind the ingress.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
