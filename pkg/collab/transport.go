// Package collab implements a collaborative shared-state synchronizer:
// participants in a named room converge on a shared key-value document,
// see each other's presence, and exchange discrete events over a
// best-effort, at-most-once fan-out message bus.
package collab

import (
	"encoding/json"
	"time"
)

type Category string

const (
	CategoryPresence  Category = "presence"
	CategoryBroadcast Category = "broadcast"
)

// Presence event names delivered under CategoryPresence.
const (
	PresenceSync  = "sync"
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Envelope is a single named event with its raw payload, as carried by the
// transport in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceRecord is what a client publishes about itself on a channel.
// Key is the presence slot it occupies; two clients tracking the same key
// end up sharing a slot.
type PresenceRecord struct {
	Key      string          `json:"key"`
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Avatar   string          `json:"avatar,omitempty"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
	OnlineAt time.Time       `json:"online_at"`
}

// PresenceSlot is one occupied slot in a full presence snapshot. A slot may
// hold more than one record when clients collide on a key.
type PresenceSlot struct {
	Key     string           `json:"key"`
	Records []PresenceRecord `json:"records"`
}

type Handler func(Envelope)

// Channel is a topic-scoped handle on the fan-out bus. Sends are
// fire-and-forget: there are no acks, no retries, and a send while the
// channel is not connected is silently dropped.
type Channel interface {
	// On registers a handler for a (category, event) pair. All
	// registrations must happen before Subscribe.
	On(category Category, event string, h Handler)

	// Send publishes a broadcast envelope to every current subscriber of
	// the topic, including the sender.
	Send(env Envelope)

	// Track publishes or replaces this client's presence record, which
	// triggers presence sync events for all subscribers.
	Track(rec PresenceRecord)

	// Untrack withdraws this client's presence record.
	Untrack()

	// Subscribe opens the channel. Status transitions are reported through
	// the callback; the channel performs no retries of its own.
	Subscribe(status func(Status))

	// Unsubscribe tears the channel down. Idempotent.
	Unsubscribe()
}

// Transport opens channels. One channel per room; the topic is derived from
// the room id by the session.
type Transport interface {
	OpenChannel(topic string) Channel
}
