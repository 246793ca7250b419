package main

import (
	"fmt"
	"sync"

	"github.com/PaulBabatuyi/leadmarket/internal/chat"
)

// EventSender is the minimal interface the hub needs from a live connection:
// a gRPC Subscribe stream or a WebSocket client.
type EventSender interface {
	Send(*chat.Event) error
}

// ConnectionHub manages live connections per user id so events can be pushed
// to every endpoint a user currently has open.
type ConnectionHub struct {
	mu      sync.RWMutex
	streams map[string]map[int64]EventSender
	nextID  int64
}

// NewConnectionHub creates a new hub instance.
func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{streams: make(map[string]map[int64]EventSender)}
}

// Register adds a connection for userID and returns the id to unregister it with.
func (h *ConnectionHub) Register(userID string, s EventSender) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.streams[userID]; !ok {
		h.streams[userID] = make(map[int64]EventSender)
	}
	h.nextID++
	id := h.nextID
	h.streams[userID][id] = s
	return id
}

// Unregister removes a previously registered connection.
func (h *ConnectionHub) Unregister(userID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.streams[userID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.streams, userID)
		}
	}
}

// Online reports whether userID has a live connection.
func (h *ConnectionHub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[userID]) > 0
}

// Connections returns the number of live connections of userID.
func (h *ConnectionHub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[userID])
}

// Deliver sends ev to every connection of userID. Delivery is best effort:
// failing connections are unregistered, and an error is returned only when
// no connection accepted the event.
func (h *ConnectionHub) Deliver(userID string, ev *chat.Event) error {
	h.mu.RLock()
	conns := make(map[int64]EventSender, len(h.streams[userID]))
	for id, s := range h.streams[userID] {
		conns[id] = s
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("user %s not connected", userID)
	}

	var (
		firstErr  error
		delivered int
	)
	for id, s := range conns {
		if err := s.Send(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			h.Unregister(userID, id)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return firstErr
	}
	return nil
}
