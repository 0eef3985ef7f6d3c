// Package relay is the fan-out side of the collaboration bus: one hub per
// room topic, broadcasting envelopes and presence changes to every
// subscribed websocket client. Delivery is best-effort and at-most-once;
// slow clients are dropped rather than backpressured.
package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"collabsync/internal/models"
	"collabsync/pkg/collab"
	"collabsync/pkg/logger"
)

// Store is the slice of the database the relay persists through: chat
// messages and realtime session rows. Everything else on the bus is
// ephemeral.
type Store interface {
	SaveMessage(ctx context.Context, userID, roomID int, content string) error
	LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error)
	CreateSession(ctx context.Context, userID, roomID int, sessionID string) error
	RemoveSession(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string) error
	SweepStaleSessions(ctx context.Context, olderThan time.Duration) error
}

type inboundFrame struct {
	client *Client
	frame  collab.ClientFrame
}

type presenceEntry struct {
	client *Client
	record collab.PresenceRecord
}

type Hub struct {
	topic  string
	roomID int

	clients map[*Client]bool
	// presence keeps per-slot insertion order so duplicate-key collisions
	// are reported deterministically.
	presence map[string][]presenceEntry
	order    []string

	Register   chan *Client
	Unregister chan *Client
	Frames     chan inboundFrame

	shutdown     chan bool
	lastActivity time.Time
	online       atomic.Int64
	idleTimeout  time.Duration
	store        Store
}

func NewHub(topic string, roomID int, store Store, idleTimeout time.Duration) *Hub {
	return &Hub{
		topic:        topic,
		roomID:       roomID,
		clients:      make(map[*Client]bool),
		presence:     make(map[string][]presenceEntry),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		Frames:       make(chan inboundFrame, 64),
		shutdown:     make(chan bool),
		lastActivity: time.Now(),
		idleTimeout:  idleTimeout,
		store:        store,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			for client := range h.clients {
				close(client.send)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true
			h.online.Store(int64(len(h.clients)))
			h.lastActivity = time.Now()
			// A late joiner learns the room's presence straight away.
			h.sendTo(client, h.syncFrame())
			logger.Info("Client %s (user %d) subscribed to %s", client.sessionID, client.userID, h.topic)

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.online.Store(int64(len(h.clients)))
				h.dropPresence(client)
				logger.Info("Client %s (user %d) left %s", client.sessionID, client.userID, h.topic)
			}

		case in := <-h.Frames:
			h.lastActivity = time.Now()
			h.handleFrame(in.client, in.frame)
		}
	}
}

func (h *Hub) handleFrame(c *Client, f collab.ClientFrame) {
	switch f.Type {
	case collab.FrameBroadcast:
		if f.Event == "" {
			logger.Debug("Dropping broadcast without event name on %s", h.topic)
			return
		}
		if f.Event == string(collab.EventMessage) {
			h.persistMessage(c, f.Payload)
		}
		h.broadcastToAll(serverFrame(collab.CategoryBroadcast, f.Event, f.Payload))

	case collab.FrameTrack:
		var rec collab.PresenceRecord
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &rec); err != nil {
				logger.Debug("Dropping malformed track frame on %s: %v", h.topic, err)
				return
			}
		}
		if rec.Key == "" {
			rec.Key = c.userKey
		}
		if rec.ID == "" {
			rec.ID = c.userKey
		}
		h.track(c, rec)

	case collab.FrameUntrack:
		h.dropPresence(c)

	default:
		logger.Debug("Dropping unknown frame type %q on %s", f.Type, h.topic)
	}
}

// track installs or replaces the client's presence record, then tells the
// room: a join delta when the client was not tracked before, and always a
// fresh full sync.
func (h *Hub) track(c *Client, rec collab.PresenceRecord) {
	wasTracked := h.removeEntry(c) != nil
	entries, existed := h.presence[rec.Key]
	h.presence[rec.Key] = append(entries, presenceEntry{client: c, record: rec})
	if !existed {
		h.order = append(h.order, rec.Key)
	}
	if !wasTracked {
		h.broadcastPresence(collab.PresenceJoin, collab.PresenceSlot{Key: rec.Key, Records: []collab.PresenceRecord{rec}})
	}
	h.broadcastToAll(h.syncFrame())
}

func (h *Hub) dropPresence(c *Client) {
	removed := h.removeEntry(c)
	if removed == nil {
		return
	}
	h.broadcastPresence(collab.PresenceLeave, collab.PresenceSlot{Key: removed.Key, Records: []collab.PresenceRecord{*removed}})
	h.broadcastToAll(h.syncFrame())
}

func (h *Hub) removeEntry(c *Client) *collab.PresenceRecord {
	for key, entries := range h.presence {
		for i, e := range entries {
			if e.client != c {
				continue
			}
			removed := e.record
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(h.presence, key)
				for j, k := range h.order {
					if k == key {
						h.order = append(h.order[:j], h.order[j+1:]...)
						break
					}
				}
			} else {
				h.presence[key] = entries
			}
			return &removed
		}
	}
	return nil
}

func (h *Hub) snapshot() []collab.PresenceSlot {
	slots := make([]collab.PresenceSlot, 0, len(h.order))
	for _, key := range h.order {
		entries := h.presence[key]
		records := make([]collab.PresenceRecord, 0, len(entries))
		for _, e := range entries {
			records = append(records, e.record)
		}
		slots = append(slots, collab.PresenceSlot{Key: key, Records: records})
	}
	return slots
}

func (h *Hub) syncFrame() []byte {
	return presenceFrame(collab.PresenceSync, h.snapshot())
}

func (h *Hub) broadcastPresence(event string, slot collab.PresenceSlot) {
	h.broadcastToAll(presenceFrame(event, slot))
}

func (h *Hub) broadcastToAll(data []byte) {
	if data == nil {
		return
	}
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			logger.Warn("Evicting saturated client %s (user %d) from %s", client.sessionID, client.userID, h.topic)
			close(client.send)
			delete(h.clients, client)
			h.online.Store(int64(len(h.clients)))
			h.dropPresence(client)
		}
	}
}

func (h *Hub) sendTo(c *Client, data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Debug("Dropping frame for saturated client %s on %s", c.sessionID, h.topic)
	}
}

func (h *Hub) persistMessage(c *Client, payload json.RawMessage) {
	var msg collab.ChatMessage
	content := string(payload)
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Text != "" {
		content = msg.Text
	}
	if err := h.store.SaveMessage(context.Background(), c.userID, h.roomID, content); err != nil {
		logger.Error("Error saving message: %v", err)
	}
}

func (h *Hub) ClientCount() int {
	return int(h.online.Load())
}

func (h *Hub) ShutdownHub() {
	select {
	case h.shutdown <- true:
	default:
	}
}

func (h *Hub) StartCleanupRoutine() {
	ticker := time.NewTicker(h.idleTimeout)
	defer ticker.Stop()

	for range ticker.C {
		if time.Since(h.lastActivity) > h.idleTimeout && h.ClientCount() == 0 {
			h.ShutdownHub()
			return
		}
	}
}

func serverFrame(category collab.Category, event string, payload json.RawMessage) []byte {
	data, err := json.Marshal(collab.ServerFrame{Category: category, Event: event, Payload: payload})
	if err != nil {
		logger.Error("Error marshaling server frame: %v", err)
		return nil
	}
	return data
}

func presenceFrame(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Error marshaling presence payload: %v", err)
		return nil
	}
	return serverFrame(collab.CategoryPresence, event, data)
}
