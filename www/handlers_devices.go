package www

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lockngo/command"
	"lockngo/locker"
)

type deviceView struct {
	LockerID string                  `json:"locker_id"`
	State    locker.State            `json:"state"`
	Battery  *int                    `json:"battery,omitempty"`
	Pending  *command.PendingCommand `json:"pending_command,omitempty"`
}

// apiDevices lists every locker controller with its battery and any
// command awaiting acknowledgement.
func (h *Handlers) apiDevices(w http.ResponseWriter, r *http.Request) {
	tracker := h.engine.Tracker()
	lockers := h.engine.Coordinator().GetSnapshot()
	out := make([]deviceView, 0, len(lockers))
	for _, l := range lockers {
		d := deviceView{LockerID: l.ID, State: l.State, Battery: l.Battery}
		if pc, ok := tracker.Pending(l.ID); ok {
			d.Pending = &pc
		}
		out = append(out, d)
	}
	h.jsonOK(w, out)
}

// apiInjectStatus feeds a status payload as if the controller had sent it.
// Used for bench testing without a broker.
func (h *Handlers) apiInjectStatus(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.engine.Coordinator().HandleDeviceStatus(chi.URLParam(r, "id"), payload); err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "accepted"})
}
