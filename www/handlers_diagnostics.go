package www

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (h *Handlers) apiDiagnostics(w http.ResponseWriter, r *http.Request) {
	auditLog, _ := h.engine.DB().ListAuditLog(50)
	outbox, _ := h.engine.DB().CountPendingOutbox()
	published, stale, resyncs := h.engine.Hub().Stats()

	h.jsonOK(w, map[string]any{
		"database":         h.engine.DB().Driver(),
		"messaging":        h.engine.MsgClient().Backend(),
		"messaging_ok":     h.engine.MsgClient().IsConnected(),
		"redis_ok":         h.engine.RedisOK(),
		"pending_commands": h.engine.Tracker().List(),
		"outbox_pending":   outbox,
		"ws_subscribers":   h.engine.Hub().Count(),
		"sse_clients":      h.eventHub.ClientCount(),
		"fanout": map[string]uint64{
			"published": published,
			"stale":     stale,
			"resyncs":   resyncs,
		},
		"audit_log": auditLog,
	})
}

func (h *Handlers) apiAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	q := r.URL.Query()
	if q.Get("type") != "" && q.Get("id") != "" {
		entries, err := h.engine.DB().ListEntityAudit(q.Get("type"), q.Get("id"), limit)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.jsonOK(w, entries)
		return
	}
	entries, err := h.engine.DB().ListAuditLog(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, entries)
}

// apiReconfigureMessaging applies the posted fields over the current
// messaging settings and reconnects.
func (h *Handlers) apiReconfigureMessaging(w http.ResponseWriter, r *http.Request) {
	mc := h.engine.AppConfig().Messaging
	mc.Kafka.Brokers = append([]string(nil), mc.Kafka.Brokers...)
	if err := json.NewDecoder(r.Body).Decode(&mc); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.engine.ReconfigureMessaging(mc, h.actor(r)); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		h.jsonError(w, err.Error(), code)
		return
	}
	h.jsonOK(w, map[string]any{
		"backend":   h.engine.MsgClient().Backend(),
		"connected": h.engine.MsgClient().IsConnected(),
	})
}
