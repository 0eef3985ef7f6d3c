package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabsync/pkg/logger"
)

var (
	ErrNotJoined   = errors.New("collab: session has not joined a room")
	ErrEmptyRoomID = errors.New("collab: room id must not be empty")
)

// Options tunes a session. The zero value is usable: last-write-wins
// reconciliation and the default debounce window.
type Options struct {
	// InitialState seeds the shared-state document on every join.
	InitialState map[string]any

	// Policy selects the conflict-resolution policy. Defaults to
	// PolicyLastWriteWins.
	Policy ResolutionPolicy

	// DebounceWindow delays non-immediate state broadcasts. Defaults to
	// 100ms.
	DebounceWindow time.Duration

	// OnNotification receives user-facing presence changes ("X joined").
	OnNotification func(Notification)

	// OnEvent receives remote non-state events: user actions, selection
	// changes, chat messages, and unknown extension events. Cursor moves
	// are folded into the participant set instead.
	OnEvent func(Event)
}

// UpdateOptions controls a single UpdateSharedState call.
type UpdateOptions struct {
	// Merge applies the partial with one-level key-wise merging for
	// object-valued keys instead of replacing them.
	Merge bool

	// Immediate skips the debounce window for the network send. The local
	// state is mutated immediately either way.
	Immediate bool
}

// Session is the room lifecycle manager: it owns the channel subscription,
// presence tracker, state reconciler, and broadcaster for at most one room
// at a time. A session may be reused across rooms; joining while joined
// tears the previous room down first.
//
// Methods are safe for concurrent use. Inbound transport callbacks are
// serialized with local calls, so no two handlers for the same room run
// concurrently.
type Session struct {
	transport Transport
	self      Participant
	opts      Options

	mu       sync.Mutex
	status   Status
	roomID   string
	channel  Channel
	presence *presenceTracker
	rec      *reconciler
	bcast    *broadcaster
	// epoch invalidates callbacks left over from a previous join.
	epoch uint64
}

func NewSession(t Transport, self Participant, opts Options) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("collab: transport is required")
	}
	if self.ID == "" {
		return nil, fmt.Errorf("collab: participant id is required")
	}
	if self.DisplayName == "" {
		self.DisplayName = self.ID
	}
	return &Session{
		transport: t,
		self:      self,
		opts:      opts,
		status:    StatusDisconnected,
	}, nil
}

// Join subscribes the session to a room. Any previous subscription is fully
// torn down before the new one opens, so a rapid rejoin never leaves two
// live subscriptions for the same session.
func (s *Session) Join(roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}

	s.mu.Lock()
	prevChannel := s.channel
	prevBcast := s.bcast
	s.channel = nil
	s.bcast = nil
	s.epoch++
	epoch := s.epoch
	s.roomID = roomID
	s.status = StatusConnecting
	s.presence = newPresenceTracker(s.self.ID)
	s.rec = newReconciler(s.self.ID, s.opts.Policy, s.opts.InitialState)
	s.mu.Unlock()

	if prevBcast != nil {
		prevBcast.close()
	}
	if prevChannel != nil {
		prevChannel.Unsubscribe()
	}

	ch := s.transport.OpenChannel(TopicForRoom(roomID))
	ch.On(CategoryPresence, PresenceSync, func(env Envelope) { s.handlePresence(epoch, PresenceSync, env) })
	ch.On(CategoryPresence, PresenceJoin, func(env Envelope) { s.handlePresence(epoch, PresenceJoin, env) })
	ch.On(CategoryPresence, PresenceLeave, func(env Envelope) { s.handlePresence(epoch, PresenceLeave, env) })
	for _, name := range []EventType{EventStateUpdate, EventUserAction, EventCursorMove, EventSelectionChange, EventMessage} {
		ch.On(CategoryBroadcast, string(name), func(env Envelope) { s.handleBroadcast(epoch, env) })
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// A competing Join or Leave won; abandon this channel.
		s.mu.Unlock()
		ch.Unsubscribe()
		return nil
	}
	s.channel = ch
	s.bcast = newBroadcaster(ch, s.opts.DebounceWindow)
	s.mu.Unlock()

	ch.Subscribe(func(st Status) { s.handleStatus(epoch, ch, st) })
	return nil
}

// Leave unsubscribes from the current room, cancels pending debounced
// sends, and clears presence and shared state. No-op when not joined.
func (s *Session) Leave() {
	s.mu.Lock()
	ch := s.channel
	b := s.bcast
	s.channel = nil
	s.bcast = nil
	s.presence = nil
	s.rec = nil
	s.roomID = ""
	s.status = StatusDisconnected
	s.epoch++
	s.mu.Unlock()

	if b != nil {
		b.close()
	}
	if ch != nil {
		ch.Unsubscribe()
	}
}

// UpdateSharedState mutates the local shared state immediately and
// broadcasts the partial to the room, debounced unless opts.Immediate.
func (s *Session) UpdateSharedState(partial map[string]any, opts UpdateOptions) error {
	if len(partial) == 0 {
		return nil
	}
	changes := cloneState(partial)
	now := time.Now().UTC()

	s.mu.Lock()
	if s.rec == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.rec.applyLocal(changes, opts.Merge, now)
	b := s.bcast
	s.mu.Unlock()

	if b != nil {
		b.sendStateUpdate(StateUpdate{Changes: changes, UserID: s.self.ID, Timestamp: now}, opts.Immediate)
	}
	return nil
}

// BroadcastUserAction sends a fire-once, non-state signal to the room
// immediately.
func (s *Session) BroadcastUserAction(action string, payload map[string]any) error {
	if action == "" {
		return fmt.Errorf("collab: action name is required")
	}
	b, err := s.currentBroadcaster()
	if err != nil {
		return err
	}
	b.sendEvent(EventUserAction, UserAction{
		Action:    action,
		Payload:   payload,
		UserID:    s.self.ID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// UpdateCursor moves the local participant's cursor and broadcasts it.
func (s *Session) UpdateCursor(pos CursorPosition) error {
	s.mu.Lock()
	if s.presence == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.presence.setCursor(s.self.ID, pos)
	c := pos
	s.self.Cursor = &c
	b := s.bcast
	s.mu.Unlock()

	if b != nil {
		b.sendEvent(EventCursorMove, CursorMove{Position: pos, UserID: s.self.ID})
	}
	return nil
}

// SendSelection broadcasts the local participant's selection change.
func (s *Session) SendSelection(selection string) error {
	b, err := s.currentBroadcaster()
	if err != nil {
		return err
	}
	b.sendEvent(EventSelectionChange, SelectionChange{Selection: selection, UserID: s.self.ID})
	return nil
}

// SendChatMessage relays an ephemeral chat message to the room. Durable
// storage, if any, is the transport service's concern.
func (s *Session) SendChatMessage(text string) error {
	b, err := s.currentBroadcaster()
	if err != nil {
		return err
	}
	b.sendEvent(EventMessage, ChatMessage{
		Text:        text,
		UserID:      s.self.ID,
		DisplayName: s.self.DisplayName,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

func (s *Session) currentBroadcaster() (*broadcaster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bcast == nil {
		return nil, ErrNotJoined
	}
	return s.bcast, nil
}

// State returns a snapshot of the shared-state document.
func (s *Session) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return map[string]any{}
	}
	return s.rec.snapshot()
}

// StateValue looks up a single key in the shared state.
func (s *Session) StateValue(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, false
	}
	v, ok := s.rec.state[key]
	return v, ok
}

// StateVersion reports the per-client update counter. Informative only:
// it is not a distributed clock and plays no part in ordering decisions.
func (s *Session) StateVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return 0
	}
	return s.rec.version
}

// Participants returns the current room membership in join order.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presence == nil {
		return nil
	}
	return s.presence.list()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusConnected
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) Policy() ResolutionPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return s.opts.Policy
	}
	return s.rec.policy
}

// SetResolutionPolicy switches the conflict-resolution policy for the
// current room and for subsequent joins.
func (s *Session) SetResolutionPolicy(p ResolutionPolicy) error {
	switch p {
	case PolicyLastWriteWins, PolicyMerge, PolicyManual:
	default:
		return fmt.Errorf("collab: unknown resolution policy %q", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Policy = p
	if s.rec != nil {
		s.rec.policy = p
	}
	return nil
}

// PendingConflicts lists unresolved manual conflicts, oldest first.
func (s *Session) PendingConflicts() []PendingConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	return s.rec.pendingConflicts()
}

// ResolveConflict settles a pending manual conflict identified by its
// update timestamp.
func (s *Session) ResolveConflict(ts time.Time, decision ConflictDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return ErrNotJoined
	}
	return s.rec.resolve(ts, decision)
}

// TopicForRoom derives the transport topic for a room id.
func TopicForRoom(roomID string) string {
	return "room:" + roomID
}

func (s *Session) handleStatus(epoch uint64, ch Channel, st Status) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.status = st
	if st != StatusConnected {
		s.mu.Unlock()
		return
	}
	// Optimistic local self-record; the next full sync confirms it.
	self := s.self
	self.IsActive = true
	self.LastSeenAt = time.Now().UTC()
	s.presence.setSelf(self)
	s.mu.Unlock()

	ch.Track(PresenceRecord{
		Key:      s.self.ID,
		ID:       s.self.ID,
		Name:     s.self.DisplayName,
		Avatar:   s.self.AvatarRef,
		Cursor:   s.self.Cursor,
		OnlineAt: time.Now().UTC(),
	})
}

func (s *Session) handlePresence(epoch uint64, event string, env Envelope) {
	var notes []Notification
	switch event {
	case PresenceSync:
		var slots []PresenceSlot
		if err := unmarshalPresence(env.Payload, &slots); err != nil {
			logger.Debug("collab: dropping malformed presence sync: %v", err)
			return
		}
		notes = s.withPresence(epoch, func(t *presenceTracker) []Notification { return t.applySync(slots) })
	case PresenceJoin, PresenceLeave:
		var slot PresenceSlot
		if err := unmarshalPresence(env.Payload, &slot); err != nil {
			logger.Debug("collab: dropping malformed presence %s: %v", event, err)
			return
		}
		notes = s.withPresence(epoch, func(t *presenceTracker) []Notification {
			if event == PresenceJoin {
				return t.applyJoin(slot)
			}
			return t.applyLeave(slot)
		})
	}
	if s.opts.OnNotification != nil {
		for _, n := range notes {
			s.opts.OnNotification(n)
		}
	}
}

func (s *Session) withPresence(epoch uint64, fn func(*presenceTracker) []Notification) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.presence == nil {
		return nil
	}
	return fn(s.presence)
}

func (s *Session) handleBroadcast(epoch uint64, env Envelope) {
	ev, err := decodeEvent(env.Event, env.Payload)
	if err != nil {
		logger.Debug("collab: dropping malformed %s event: %v", env.Event, err)
		return
	}
	// Echo suppression: local state already reflects local writes.
	if ev.OriginUserID() == s.self.ID {
		return
	}

	switch ev.Type {
	case EventStateUpdate:
		s.mu.Lock()
		if s.epoch == epoch && s.rec != nil {
			s.rec.applyRemote(*ev.StateUpdate)
		}
		s.mu.Unlock()
		return
	case EventCursorMove:
		s.mu.Lock()
		if s.epoch == epoch && s.presence != nil {
			s.presence.setCursor(ev.CursorMove.UserID, ev.CursorMove.Position)
		}
		s.mu.Unlock()
		return
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func unmarshalPresence(payload []byte, into any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(payload, into)
}
