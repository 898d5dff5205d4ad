package www

import (
	"net/http"

	"lockngo/locker"
)

func (h *Handlers) apiDashboard(w http.ResponseWriter, r *http.Request) {
	lockers := h.engine.Coordinator().GetSnapshot()
	db := h.engine.DB()

	// Count lockers by state
	stateCounts := map[locker.State]int{}
	lowBattery := 0
	threshold := h.engine.AppConfig().Rental.LowBatteryThreshold
	for _, l := range lockers {
		stateCounts[l.State]++
		if l.Battery != nil && *l.Battery < threshold {
			lowBattery++
		}
	}

	active, _ := db.ListActiveRentals(r.Context())
	flagged, _ := db.ListFlaggedRentals(r.Context(), 100)
	outbox, _ := db.CountPendingOutbox()

	h.jsonOK(w, map[string]any{
		"station_id":     h.engine.AppConfig().StationID,
		"total_lockers":  len(lockers),
		"state_counts":   stateCounts,
		"low_battery":    lowBattery,
		"active_rentals": len(active),
		"flagged":        flagged,
		"lockdown":       h.engine.Coordinator().Lockdown(),
		"messaging_ok":   h.engine.MsgClient().IsConnected(),
		"redis_ok":       h.engine.RedisOK(),
		"outbox_pending": outbox,
	})
}
