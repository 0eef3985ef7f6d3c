package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, bus *Bus, id string, opts Options) *Session {
	t.Helper()
	s, err := NewSession(bus, Participant{ID: id, DisplayName: "user-" + id}, opts)
	require.NoError(t, err)
	return s
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(nil, Participant{ID: "a"}, Options{})
	assert.Error(t, err)

	_, err = NewSession(NewBus(), Participant{}, Options{})
	assert.Error(t, err)
}

func TestJoinConnectsAndTracksSelf(t *testing.T) {
	bus := NewBus()
	s := newTestSession(t, bus, "alice", Options{})

	require.NoError(t, s.Join("design-42"))
	assert.True(t, s.Connected())
	assert.Equal(t, "design-42", s.Room())
	assert.Equal(t, 1, bus.SubscriberCount("room:design-42"))

	parts := s.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "alice", parts[0].ID)
}

func TestJoinRequiresRoomID(t *testing.T) {
	s := newTestSession(t, NewBus(), "alice", Options{})
	assert.ErrorIs(t, s.Join(""), ErrEmptyRoomID)
}

func TestUpdateBeforeJoinFailsFast(t *testing.T) {
	s := newTestSession(t, NewBus(), "alice", Options{})
	assert.ErrorIs(t, s.UpdateSharedState(map[string]any{"a": 1}, UpdateOptions{}), ErrNotJoined)
	assert.ErrorIs(t, s.BroadcastUserAction("ping", nil), ErrNotJoined)
	assert.ErrorIs(t, s.UpdateCursor(CursorPosition{}), ErrNotJoined)
}

func TestTwoSessionsConvergeOnSharedState(t *testing.T) {
	bus := NewBus()
	alice := newTestSession(t, bus, "alice", Options{})
	bob := newTestSession(t, bus, "bob", Options{})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))

	require.NoError(t, alice.UpdateSharedState(map[string]any{"title": "draft"}, UpdateOptions{Immediate: true}))

	v, ok := alice.StateValue("title")
	require.True(t, ok)
	assert.Equal(t, "draft", v)

	v, ok = bob.StateValue("title")
	require.True(t, ok)
	assert.Equal(t, "draft", v)
}

func TestLocalEchoIsSuppressed(t *testing.T) {
	bus := NewBus()
	alice := newTestSession(t, bus, "alice", Options{})
	require.NoError(t, alice.Join("room-1"))

	// The bus echoes broadcasts back to the sender; the session must not
	// double-apply its own update.
	require.NoError(t, alice.UpdateSharedState(map[string]any{"a": 1}, UpdateOptions{Immediate: true}))
	assert.Equal(t, uint64(1), alice.StateVersion())
	assert.Equal(t, 1, alice.State()["a"])
}

func TestPresenceNotifications(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var notes []Notification
	alice := newTestSession(t, bus, "alice", Options{
		OnNotification: func(n Notification) {
			mu.Lock()
			defer mu.Unlock()
			notes = append(notes, n)
		},
	})
	require.NoError(t, alice.Join("room-1"))

	bob := newTestSession(t, bus, "bob", Options{})
	require.NoError(t, bob.Join("room-1"))

	mu.Lock()
	require.NotEmpty(t, notes)
	assert.Equal(t, NotificationJoined, notes[0].Kind)
	assert.Equal(t, "bob", notes[0].Participant.ID)
	joined := len(notes)
	mu.Unlock()

	bob.Leave()

	mu.Lock()
	require.Greater(t, len(notes), joined)
	last := notes[len(notes)-1]
	assert.Equal(t, NotificationLeft, last.Kind)
	assert.Equal(t, "bob", last.Participant.ID)
	mu.Unlock()

	parts := alice.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "alice", parts[0].ID)
}

func TestUserActionDelivery(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var aliceEvents, bobEvents []Event
	alice := newTestSession(t, bus, "alice", Options{
		OnEvent: func(e Event) { mu.Lock(); aliceEvents = append(aliceEvents, e); mu.Unlock() },
	})
	bob := newTestSession(t, bus, "bob", Options{
		OnEvent: func(e Event) { mu.Lock(); bobEvents = append(bobEvents, e); mu.Unlock() },
	})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))

	require.NoError(t, alice.BroadcastUserAction("start_editing", map[string]any{"section": "main"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bobEvents, 1)
	assert.Equal(t, EventUserAction, bobEvents[0].Type)
	assert.Equal(t, "start_editing", bobEvents[0].UserAction.Action)
	assert.Equal(t, "alice", bobEvents[0].UserAction.UserID)
	assert.Empty(t, aliceEvents, "own actions are not delivered back")
}

func TestChatMessageDelivery(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var events []Event
	bob := newTestSession(t, bus, "bob", Options{
		OnEvent: func(e Event) { mu.Lock(); events = append(events, e); mu.Unlock() },
	})
	alice := newTestSession(t, bus, "alice", Options{})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))

	require.NoError(t, alice.SendChatMessage("hello"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, EventMessage, events[0].Type)
	assert.Equal(t, "hello", events[0].Message.Text)
}

func TestCursorMovesFoldIntoPresence(t *testing.T) {
	bus := NewBus()
	alice := newTestSession(t, bus, "alice", Options{})
	bob := newTestSession(t, bus, "bob", Options{})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))

	require.NoError(t, alice.UpdateCursor(CursorPosition{X: 5, Y: 7}))

	var aliceSeen *CursorPosition
	for _, p := range bob.Participants() {
		if p.ID == "alice" {
			aliceSeen = p.Cursor
		}
	}
	require.NotNil(t, aliceSeen)
	assert.Equal(t, float64(5), aliceSeen.X)
	assert.Equal(t, float64(7), aliceSeen.Y)
}

func TestManualConflictThroughSession(t *testing.T) {
	bus := NewBus()
	alice := newTestSession(t, bus, "alice", Options{})
	bob := newTestSession(t, bus, "bob", Options{Policy: PolicyManual})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))

	require.NoError(t, bob.UpdateSharedState(map[string]any{"doc": "bobs"}, UpdateOptions{Immediate: true}))
	require.NoError(t, alice.UpdateSharedState(map[string]any{"doc": "alices"}, UpdateOptions{Immediate: true}))

	v, _ := bob.StateValue("doc")
	assert.Equal(t, "bobs", v, "manual policy holds the incoming update")

	conflicts := bob.PendingConflicts()
	require.Len(t, conflicts, 1)

	require.NoError(t, bob.ResolveConflict(conflicts[0].Timestamp, DecisionApply))
	v, _ = bob.StateValue("doc")
	assert.Equal(t, "alices", v)
	assert.Empty(t, bob.PendingConflicts())
}

func TestSetResolutionPolicy(t *testing.T) {
	s := newTestSession(t, NewBus(), "alice", Options{})
	require.NoError(t, s.Join("room-1"))

	assert.Equal(t, PolicyLastWriteWins, s.Policy())
	require.NoError(t, s.SetResolutionPolicy(PolicyMerge))
	assert.Equal(t, PolicyMerge, s.Policy())
	assert.Error(t, s.SetResolutionPolicy("votes"))
}

func TestRejoinTearsDownPreviousSubscription(t *testing.T) {
	bus := NewBus()
	s := newTestSession(t, bus, "alice", Options{})

	require.NoError(t, s.Join("room-1"))
	require.NoError(t, s.Join("room-1"))
	assert.Equal(t, 1, bus.SubscriberCount("room:room-1"), "rapid rejoin leaves exactly one live subscription")

	require.NoError(t, s.Join("room-2"))
	assert.Equal(t, 0, bus.SubscriberCount("room:room-1"))
	assert.Equal(t, 1, bus.SubscriberCount("room:room-2"))
	assert.Equal(t, "room-2", s.Room())
}

func TestRoomsAreIsolated(t *testing.T) {
	bus := NewBus()
	alice := newTestSession(t, bus, "alice", Options{})
	bob := newTestSession(t, bus, "bob", Options{})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-2"))

	require.NoError(t, alice.UpdateSharedState(map[string]any{"a": 1}, UpdateOptions{Immediate: true}))

	_, ok := bob.StateValue("a")
	assert.False(t, ok)
	require.Len(t, bob.Participants(), 1)
}

func TestLeaveClearsRoomState(t *testing.T) {
	bus := NewBus()
	s := newTestSession(t, bus, "alice", Options{})
	require.NoError(t, s.Join("room-1"))
	require.NoError(t, s.UpdateSharedState(map[string]any{"a": 1}, UpdateOptions{Immediate: true}))

	s.Leave()
	assert.False(t, s.Connected())
	assert.Empty(t, s.State())
	assert.Empty(t, s.Participants())
	assert.Equal(t, "", s.Room())
	assert.Equal(t, 0, bus.SubscriberCount("room:room-1"))
}

func TestInitialStateAppliedOnJoin(t *testing.T) {
	bus := NewBus()
	s := newTestSession(t, bus, "alice", Options{
		InitialState: map[string]any{"document_type": "design"},
	})
	require.NoError(t, s.Join("room-1"))

	v, ok := s.StateValue("document_type")
	require.True(t, ok)
	assert.Equal(t, "design", v)
}

// countingTransport wraps a transport and counts outbound broadcasts.
type countingTransport struct {
	inner Transport
	mu    sync.Mutex
	sends int
}

func (t *countingTransport) OpenChannel(topic string) Channel {
	return &countingChannel{Channel: t.inner.OpenChannel(topic), t: t}
}

type countingChannel struct {
	Channel
	t *countingTransport
}

func (c *countingChannel) Send(env Envelope) {
	c.t.mu.Lock()
	c.t.sends++
	c.t.mu.Unlock()
	c.Channel.Send(env)
}

func (t *countingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func TestDebouncedUpdatesApplyLocallyAndSendOncePerCall(t *testing.T) {
	bus := NewBus()
	counting := &countingTransport{inner: bus}
	alice, err := NewSession(counting, Participant{ID: "alice"}, Options{DebounceWindow: 20 * time.Millisecond})
	require.NoError(t, err)
	bob := newTestSession(t, bus, "bob", Options{})
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))

	require.NoError(t, alice.UpdateSharedState(map[string]any{"a": 1}, UpdateOptions{}))
	require.NoError(t, alice.UpdateSharedState(map[string]any{"b": 2}, UpdateOptions{}))
	require.NoError(t, alice.UpdateSharedState(map[string]any{"c": 3}, UpdateOptions{}))

	// Local state reflects all three updates immediately.
	state := alice.State()
	assert.Equal(t, 1, state["a"])
	assert.Equal(t, 2, state["b"])
	assert.Equal(t, 3, state["c"])
	assert.Equal(t, 0, counting.count(), "sends wait for the debounce window")

	require.Eventually(t, func() bool { return counting.count() == 3 },
		500*time.Millisecond, 5*time.Millisecond,
		"exactly one send per deferred call")

	require.Eventually(t, func() bool {
		s := bob.State()
		return s["a"] == float64(1) || s["a"] == 1
	}, 500*time.Millisecond, 5*time.Millisecond)
}
