package www

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lockngo/locker"
	"lockngo/rental"
)

func (h *Handlers) apiCreateLocker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string      `json:"id"`
		Location string      `json:"location"`
		Size     locker.Size `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	switch req.Size {
	case "", locker.SizeSmall, locker.SizeMedium, locker.SizeLarge:
	default:
		h.jsonError(w, "size must be S, M or L", http.StatusBadRequest)
		return
	}
	if _, ok := h.engine.LockerState().Get(req.ID); ok {
		h.jsonError(w, "locker already exists", http.StatusConflict)
		return
	}
	l, err := h.engine.Coordinator().AddLocker(r.Context(), req.ID, req.Location, req.Size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(l)
}

func (h *Handlers) apiLockerFault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "reported by " + h.actor(r)
	}
	if err := h.engine.Coordinator().ReportFault(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "out_of_service"})
}

func (h *Handlers) apiLockerClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution rental.Resolution `json:"resolution"`
		Note       string            `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Resolution == "" {
		req.Resolution = rental.ResolveComplete
	}
	err := h.engine.ClearOutOfService(r.Context(), chi.URLParam(r, "id"), req.Resolution, req.Note, h.actor(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "available"})
}

// apiLockdown toggles the emergency stop on new rentals.
func (h *Handlers) apiLockdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	h.engine.Coordinator().SetLockdown(req.Enabled)
	h.jsonOK(w, map[string]bool{"lockdown": req.Enabled})
}

func (h *Handlers) actor(r *http.Request) string {
	if name := h.getUsername(r); name != "" {
		return name
	}
	return "admin"
}
