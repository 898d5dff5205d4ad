package www

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lockngo/fanout"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
)

// lockerSocket streams the fanout to one websocket client. Only writePump
// writes to the connection.
type lockerSocket struct {
	conn    *websocket.Conn
	hub     *fanout.Hub
	sub     *fanout.Subscription
	replies chan string
	done    chan struct{}
}

// handleLockerSocket serves /ws/lockers: a snapshot on connect, then every
// committed transition in order. Text frames "ping" and "refresh" get a
// "pong" and a fresh snapshot.
func (h *Handlers) handleLockerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("www: websocket upgrade: %v", err)
		return
	}
	hub := h.engine.Hub()
	s := &lockerSocket{
		conn:    conn,
		hub:     hub,
		sub:     hub.Subscribe(),
		replies: make(chan string, 4),
		done:    make(chan struct{}),
	}
	go s.writePump()
	s.readPump()
}

func (s *lockerSocket) readPump() {
	defer func() {
		close(s.done)
		s.sub.Close()
	}()
	s.conn.SetReadLimit(wsReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("www: websocket read: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		switch strings.TrimSpace(string(data)) {
		case "ping":
			select {
			case s.replies <- "pong":
			default:
			}
		case "refresh":
			s.hub.Resync(s.sub)
		}
	}
}

func (s *lockerSocket) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.sub.C():
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("www: encode fanout message: %v", err)
				continue
			}
			if !s.write(websocket.TextMessage, data) {
				return
			}
		case text := <-s.replies:
			if !s.write(websocket.TextMessage, []byte(text)) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *lockerSocket) write(kind int, data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(kind, data) == nil
}
