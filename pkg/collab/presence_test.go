package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slot(key string, ids ...string) PresenceSlot {
	s := PresenceSlot{Key: key}
	for _, id := range ids {
		s.Records = append(s.Records, PresenceRecord{
			Key:      key,
			ID:       id,
			Name:     "user-" + id,
			OnlineAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		})
	}
	return s
}

func participantIDs(t *presenceTracker) []string {
	var ids []string
	for _, p := range t.list() {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestSyncThenLeaveThenSync(t *testing.T) {
	tr := newPresenceTracker("me")

	tr.applySync([]PresenceSlot{slot("a", "a"), slot("b", "b"), slot("c", "c")})
	assert.Equal(t, []string{"a", "b", "c"}, participantIDs(tr))
	assert.Equal(t, presenceSynced, tr.phase)

	notes := tr.applyLeave(slot("b", "b"))
	assert.Equal(t, []string{"a", "c"}, participantIDs(tr))
	require.Len(t, notes, 1)
	assert.Equal(t, NotificationLeft, notes[0].Kind)
	assert.Equal(t, "b", notes[0].Participant.ID)

	// A later full sync removes c even without an explicit leave event.
	notes = tr.applySync([]PresenceSlot{slot("a", "a")})
	assert.Equal(t, []string{"a"}, participantIDs(tr))
	require.Len(t, notes, 1)
	assert.Equal(t, "c", notes[0].Participant.ID)
}

func TestDuplicateSlotTakesFirstRecord(t *testing.T) {
	tr := newPresenceTracker("me")
	tr.applySync([]PresenceSlot{{
		Key: "shared",
		Records: []PresenceRecord{
			{Key: "shared", ID: "first", Name: "First"},
			{Key: "shared", ID: "second", Name: "Second"},
		},
	}})

	parts := tr.list()
	require.Len(t, parts, 1)
	assert.Equal(t, "first", parts[0].ID)
}

func TestJoinNotifiesOnceAndUpserts(t *testing.T) {
	tr := newPresenceTracker("me")
	tr.applySync(nil)

	notes := tr.applyJoin(slot("a", "a"))
	require.Len(t, notes, 1)
	assert.Equal(t, NotificationJoined, notes[0].Kind)

	// Re-announcing an already known participant is silent.
	notes = tr.applyJoin(slot("a", "a"))
	assert.Empty(t, notes)
	assert.Equal(t, []string{"a"}, participantIDs(tr))
}

func TestSelfJoinDoesNotNotify(t *testing.T) {
	tr := newPresenceTracker("me")
	notes := tr.applyJoin(slot("me", "me"))
	assert.Empty(t, notes)
}

func TestOptimisticSelfSurvivesStaleSync(t *testing.T) {
	tr := newPresenceTracker("me")
	tr.setSelf(Participant{ID: "me", DisplayName: "Me", IsActive: true})

	// A snapshot taken before our own track round-tripped.
	tr.applySync([]PresenceSlot{slot("a", "a")})
	assert.ElementsMatch(t, []string{"a", "me"}, participantIDs(tr))
}

func TestRecordIDFallsBackToSlotKey(t *testing.T) {
	tr := newPresenceTracker("me")
	tr.applySync([]PresenceSlot{{
		Key:     "u-42",
		Records: []PresenceRecord{{Key: "u-42"}},
	}})

	parts := tr.list()
	require.Len(t, parts, 1)
	assert.Equal(t, "u-42", parts[0].ID)
	assert.Equal(t, "u-42", parts[0].DisplayName)
}

func TestSetCursorOnKnownParticipant(t *testing.T) {
	tr := newPresenceTracker("me")
	tr.applySync([]PresenceSlot{slot("a", "a")})

	tr.setCursor("a", CursorPosition{X: 10, Y: 20})
	parts := tr.list()
	require.NotNil(t, parts[0].Cursor)
	assert.Equal(t, float64(10), parts[0].Cursor.X)

	// Cursor for an unknown participant is dropped, not invented.
	tr.setCursor("ghost", CursorPosition{X: 1, Y: 1})
	assert.Equal(t, []string{"a"}, participantIDs(tr))
}
