package server

import (
	"log"
	"sync"

	"tripwatch/internal/trip"
)

// client is one websocket subscriber scoped to a single trip.
type client struct {
	tripID string
	userID string
	send   chan []byte
	done   chan struct{}
}

// Hub tracks subscribers per trip and fans events out to them. A client
// whose send buffer is full is dropped rather than blocking the broadcast.
type Hub struct {
	mu     sync.RWMutex
	byTrip map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{byTrip: make(map[string]map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byTrip[c.tripID]
	if !ok {
		set = make(map[*client]struct{})
		h.byTrip[c.tripID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byTrip[c.tripID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	close(c.done)
	if len(set) == 0 {
		delete(h.byTrip, c.tripID)
	}
}

// BroadcastEvent implements sim.Broadcaster.
func (h *Hub) BroadcastEvent(tripID string, ev trip.Event) {
	data, err := trip.EncodeEvent(ev)
	if err != nil {
		log.Printf("hub: encode %s: %v", ev.EventType(), err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.byTrip[tripID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("hub: dropping slow client user=%s trip=%s", c.userID, tripID)
		h.remove(c)
	}
}
