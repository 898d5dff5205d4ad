package www

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lockngo/command"
	"lockngo/engine"
	"lockngo/locker"
	"lockngo/rental"
	"lockngo/store"
)

func (h *Handlers) apiListLockers(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w, h.engine.Coordinator().GetSnapshot())
}

func (h *Handlers) apiGetLocker(w http.ResponseWriter, r *http.Request) {
	l, err := h.engine.Coordinator().GetLocker(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, l)
}

func (h *Handlers) apiCreateRental(w http.ResponseWriter, r *http.Request) {
	var req rental.RentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	id, err := h.engine.Coordinator().RequestRental(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"rental_id": id, "locker_id": req.LockerID})
}

func (h *Handlers) apiGetRental(w http.ResponseWriter, r *http.Request) {
	rent, err := h.engine.Coordinator().GetRental(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, rent)
}

func (h *Handlers) apiReleaseRental(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Coordinator().RequestRelease(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "releasing"})
}

func (h *Handlers) apiBalance(w http.ResponseWriter, r *http.Request) {
	renter := chi.URLParam(r, "id")
	balance, held, err := h.engine.Ledger().Balance(r.Context(), renter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]any{
		"renter_id": renter,
		"balance":   balance,
		"held":      held,
		"available": balance - held,
	})
}

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w, map[string]any{
		"status":    "ok",
		"messaging": h.engine.MsgClient().IsConnected(),
		"redis":     h.engine.RedisOK(),
		"lockdown":  h.engine.Coordinator().Lockdown(),
	})
}

func (h *Handlers) jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	h.jsonError(w, err.Error(), statusFor(err))
}

// statusFor maps workflow errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rental.ErrInvalidRequest), errors.Is(err, command.ErrBadStatus),
		errors.Is(err, engine.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, rental.ErrLockerNotFound), errors.Is(err, rental.ErrRentalNotFound),
		errors.Is(err, store.ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, rental.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, rental.ErrLockerUnavailable), errors.Is(err, rental.ErrLockerOutOfService),
		errors.Is(err, rental.ErrRentalNotActive), errors.Is(err, locker.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, rental.ErrSystemLocked), errors.Is(err, rental.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
