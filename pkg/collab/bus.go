package collab

import (
	"encoding/json"
	"sync"

	"collabsync/pkg/logger"
)

// Bus is an in-process Transport. Every channel opened on the same topic
// receives every broadcast (sender included) and every presence change, so
// several sessions inside one process behave like peers on a real bus.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*busTopic
}

type busTopic struct {
	channels map[*busChannel]struct{}
	// presence keeps insertion order per slot so duplicate-key collisions
	// resolve deterministically on the receiving side.
	presence map[string][]busPresenceEntry
	order    []string
}

type busPresenceEntry struct {
	owner  *busChannel
	record PresenceRecord
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]*busTopic)}
}

func (b *Bus) OpenChannel(topic string) Channel {
	return &busChannel{
		bus:      b,
		topic:    topic,
		handlers: make(map[Category]map[string][]Handler),
	}
}

// SubscriberCount reports how many channels are currently subscribed to a
// topic. Zero once the last subscriber has left.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return len(t.channels)
}

func (b *Bus) topicLocked(name string) *busTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &busTopic{
			channels: make(map[*busChannel]struct{}),
			presence: make(map[string][]busPresenceEntry),
		}
		b.topics[name] = t
	}
	return t
}

func (t *busTopic) snapshotLocked() []PresenceSlot {
	slots := make([]PresenceSlot, 0, len(t.order))
	for _, key := range t.order {
		entries := t.presence[key]
		records := make([]PresenceRecord, 0, len(entries))
		for _, e := range entries {
			records = append(records, e.record)
		}
		slots = append(slots, PresenceSlot{Key: key, Records: records})
	}
	return slots
}

type busChannel struct {
	bus        *Bus
	topic      string
	mu         sync.Mutex
	handlers   map[Category]map[string][]Handler
	status     func(Status)
	subscribed bool
	trackedKey string
	tracked    bool
}

func (c *busChannel) On(category Category, event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byEvent, ok := c.handlers[category]
	if !ok {
		byEvent = make(map[string][]Handler)
		c.handlers[category] = byEvent
	}
	byEvent[event] = append(byEvent[event], h)
}

func (c *busChannel) Subscribe(status func(Status)) {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = true
	c.status = status
	c.mu.Unlock()

	if status != nil {
		status(StatusConnecting)
	}

	b := c.bus
	b.mu.Lock()
	t := b.topicLocked(c.topic)
	t.channels[c] = struct{}{}
	b.mu.Unlock()

	if status != nil {
		status(StatusConnected)
	}

	// Snapshot after the status callback: a subscriber that tracks itself
	// from the connected transition must not be wiped out by a stale dump.
	b.mu.Lock()
	snapshot := t.snapshotLocked()
	b.mu.Unlock()
	c.deliverPresence(PresenceSync, snapshot)
}

func (c *busChannel) Unsubscribe() {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = false
	status := c.status
	c.mu.Unlock()

	c.Untrack()

	b := c.bus
	b.mu.Lock()
	if t, ok := b.topics[c.topic]; ok {
		delete(t.channels, c)
		if len(t.channels) == 0 {
			delete(b.topics, c.topic)
		}
	}
	b.mu.Unlock()

	if status != nil {
		status(StatusDisconnected)
	}
}

func (c *busChannel) Send(env Envelope) {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	if !subscribed {
		logger.Debug("bus: dropping send on unsubscribed channel for topic %s", c.topic)
		return
	}

	b := c.bus
	b.mu.Lock()
	t, ok := b.topics[c.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	targets := make([]*busChannel, 0, len(t.channels))
	for ch := range t.channels {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(CategoryBroadcast, env)
	}
}

func (c *busChannel) Track(rec PresenceRecord) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	wasTracked := c.tracked
	prevKey := c.trackedKey
	c.tracked = true
	c.trackedKey = rec.Key
	c.mu.Unlock()

	b := c.bus
	b.mu.Lock()
	t, ok := b.topics[c.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	if wasTracked {
		t.removeEntryLocked(c, prevKey)
	}
	entries, existed := t.presence[rec.Key]
	t.presence[rec.Key] = append(entries, busPresenceEntry{owner: c, record: rec})
	if !existed {
		t.order = append(t.order, rec.Key)
	}
	joined := PresenceSlot{Key: rec.Key, Records: []PresenceRecord{rec}}
	snapshot := t.snapshotLocked()
	targets := make([]*busChannel, 0, len(t.channels))
	for ch := range t.channels {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		if !wasTracked {
			ch.deliverPresence(PresenceJoin, joined)
		}
		ch.deliverPresence(PresenceSync, snapshot)
	}
}

func (c *busChannel) Untrack() {
	c.mu.Lock()
	if !c.tracked {
		c.mu.Unlock()
		return
	}
	c.tracked = false
	key := c.trackedKey
	c.mu.Unlock()

	b := c.bus
	b.mu.Lock()
	t, ok := b.topics[c.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	left := t.removeEntryLocked(c, key)
	snapshot := t.snapshotLocked()
	targets := make([]*busChannel, 0, len(t.channels))
	for ch := range t.channels {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		if left != nil {
			ch.deliverPresence(PresenceLeave, PresenceSlot{Key: key, Records: []PresenceRecord{*left}})
		}
		ch.deliverPresence(PresenceSync, snapshot)
	}
}

// removeEntryLocked drops the entry this channel owns under key and returns
// the removed record, if any.
func (t *busTopic) removeEntryLocked(c *busChannel, key string) *PresenceRecord {
	entries := t.presence[key]
	for i, e := range entries {
		if e.owner == c {
			removed := e.record
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(t.presence, key)
				for j, k := range t.order {
					if k == key {
						t.order = append(t.order[:j], t.order[j+1:]...)
						break
					}
				}
			} else {
				t.presence[key] = entries
			}
			return &removed
		}
	}
	return nil
}

func (c *busChannel) deliver(category Category, env Envelope) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	var hs []Handler
	if byEvent, ok := c.handlers[category]; ok {
		hs = byEvent[env.Event]
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (c *busChannel) deliverPresence(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("bus: failed to encode presence %s payload: %v", event, err)
		return
	}
	c.deliver(CategoryPresence, Envelope{Event: event, Payload: data})
}
