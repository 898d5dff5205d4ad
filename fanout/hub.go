package fanout

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"lockngo/locker"
)

type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindEvent    Kind = "event"
)

// Message is what a subscriber receives: either one event or the full current
// state of every locker.
type Message struct {
	Kind     Kind           `json:"type"`
	Event    *locker.Event  `json:"event,omitempty"`
	Snapshot []locker.Event `json:"lockers,omitempty"`
}

type LogFunc func(format string, args ...any)

// Hub delivers committed locker events to any number of subscribers. Events
// for one locker reach every subscriber in version order. New subscribers
// start from a snapshot, and a subscriber that falls behind is resynced with
// a fresh snapshot instead of blocking publishers.
type Hub struct {
	buffer int
	logFn  LogFunc

	mu     sync.Mutex
	latest map[string]locker.Event
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	stale     atomic.Uint64
	resyncs   atomic.Uint64
}

func NewHub(buffer int, logFn LogFunc) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if logFn == nil {
		logFn = log.Printf
	}
	return &Hub{
		buffer: buffer,
		logFn:  logFn,
		latest: make(map[string]locker.Event),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Seed loads the current state without notifying anyone. Older versions than
// what the hub already holds are ignored.
func (h *Hub) Seed(events []locker.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		if cur, ok := h.latest[ev.LockerID]; ok && cur.Version >= ev.Version {
			continue
		}
		h.latest[ev.LockerID] = ev
	}
}

// Publish fans ev out to every subscriber. It never blocks on a slow
// subscriber. Returns false if the event was not newer than the last one
// published for its locker.
func (h *Hub) Publish(ev locker.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if cur, ok := h.latest[ev.LockerID]; ok && ev.Version <= cur.Version {
		h.stale.Add(1)
		h.logFn("fanout: drop stale event for %s v%d (have v%d)", ev.LockerID, ev.Version, cur.Version)
		return false
	}
	h.latest[ev.LockerID] = ev
	h.published.Add(1)

	msg := Message{Kind: KindEvent, Event: &ev}
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			h.resyncLocked(s)
		}
	}
	return true
}

// Subscribe registers a subscriber whose first message is a snapshot taken
// atomically with registration.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{hub: h, ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	s.ch <- h.snapshotLocked()
	h.subs[s] = struct{}{}
	return s
}

// Resync replaces whatever s has queued with a fresh snapshot.
func (h *Hub) Resync(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		h.resyncLocked(s)
	}
}

// Snapshot returns the latest event of every locker, ordered by locker ID.
func (h *Hub) Snapshot() []locker.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked().Snapshot
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns lifetime counters: events published, stale events dropped and
// subscriber resyncs.
func (h *Hub) Stats() (published, stale, resyncs uint64) {
	return h.published.Load(), h.stale.Load(), h.resyncs.Load()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.closed = true
		close(s.ch)
		delete(h.subs, s)
	}
}

func (h *Hub) resyncLocked(s *Subscription) {
	for {
		select {
		case <-s.ch:
			continue
		default:
		}
		break
	}
	h.resyncs.Add(1)
	s.resyncs++
	select {
	case s.ch <- h.snapshotLocked():
	default:
		h.logFn("fanout: subscriber buffer still full after drain")
	}
}

func (h *Hub) snapshotLocked() Message {
	events := make([]locker.Event, 0, len(h.latest))
	for _, ev := range h.latest {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].LockerID < events[j].LockerID })
	return Message{Kind: KindSnapshot, Snapshot: events}
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.ch)
}

// Subscription is one observer's view of the hub.
type Subscription struct {
	hub *Hub
	ch  chan Message

	// guarded by hub.mu
	closed  bool
	resyncs int
}

// C returns the message channel. It is closed when the subscription or the
// hub is closed.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Resyncs returns how many times this subscriber was resynced.
func (s *Subscription) Resyncs() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.resyncs
}
