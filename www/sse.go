package www

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"lockngo/engine"
)

type sseMessage struct {
	name string
	data []byte
}

// EventHub relays engine events to SSE clients. A client that cannot keep
// up loses events; the locker websocket is the ordered, gap-free view.
type EventHub struct {
	bus   *engine.EventBus
	subID int

	mu      sync.Mutex
	clients map[chan sseMessage]struct{}
	stopped bool
}

func NewEventHub(bus *engine.EventBus) *EventHub {
	h := &EventHub{bus: bus, clients: make(map[chan sseMessage]struct{})}
	h.subID = bus.Subscribe(h.onEvent)
	return h
}

func (h *EventHub) onEvent(evt engine.Event) {
	data, err := json.Marshal(map[string]any{
		"type":      evt.Type.String(),
		"timestamp": evt.Timestamp,
		"payload":   evt.Payload,
	})
	if err != nil {
		log.Printf("www: encode %s event: %v", evt.Type, err)
		return
	}
	h.broadcast(sseMessage{name: evt.Type.String(), data: data})
}

func (h *EventHub) broadcast(msg sseMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan sseMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	ch := make(chan sseMessage, 32)
	h.clients[ch] = struct{}{}
	return ch
}

func (h *EventHub) unsubscribe(ch chan sseMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop detaches from the engine and ends every open stream.
func (h *EventHub) Stop() {
	h.bus.Unsubscribe(h.subID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// ServeHTTP handles GET /api/events.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ch := h.subscribe()
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.name, msg.data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
