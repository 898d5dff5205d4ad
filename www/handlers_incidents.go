package www

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (h *Handlers) apiListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	db := h.engine.DB()
	if id := r.URL.Query().Get("locker"); id != "" {
		incidents, err := db.ListLockerIncidents(id, limit)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.jsonOK(w, incidents)
		return
	}
	incidents, err := db.ListIncidents(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, incidents)
}

// apiCreditRenter tops up a renter's balance and records who did it.
func (h *Handlers) apiCreditRenter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		h.jsonError(w, "a positive amount is required", http.StatusBadRequest)
		return
	}
	renter := chi.URLParam(r, "id")
	ledger := h.engine.Ledger()
	if err := ledger.Credit(r.Context(), renter, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	h.engine.DB().AppendAudit("renter", renter, "credit", "", strconv.FormatInt(req.Amount, 10)+" "+req.Reason, h.actor(r))
	balance, held, err := ledger.Balance(r.Context(), renter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]any{"renter_id": renter, "balance": balance, "held": held})
}
