package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(offset int) time.Time {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(offset) * time.Millisecond)
}

func TestLastWriteWinsConvergesRegardlessOfArrivalOrder(t *testing.T) {
	updates := []StateUpdate{
		{Changes: map[string]any{"title": "first"}, UserID: "u1", Timestamp: ts(1)},
		{Changes: map[string]any{"title": "second"}, UserID: "u2", Timestamp: ts(2)},
		{Changes: map[string]any{"title": "third"}, UserID: "u3", Timestamp: ts(3)},
	}

	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 2, 0},
		{2, 0, 1},
	}
	for _, order := range orders {
		r := newReconciler("observer", PolicyLastWriteWins, nil)
		for _, i := range order {
			r.applyRemote(updates[i])
		}
		assert.Equal(t, "third", r.state["title"], "delivery order %v", order)
	}
}

func TestLastWriteWinsShallowMergesAllKeys(t *testing.T) {
	r := newReconciler("observer", PolicyLastWriteWins, nil)
	r.applyRemote(StateUpdate{Changes: map[string]any{"a": 1, "b": 2}, UserID: "u1", Timestamp: ts(1)})
	r.applyRemote(StateUpdate{Changes: map[string]any{"b": 3, "c": 4}, UserID: "u2", Timestamp: ts(2)})

	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, r.snapshot())
	assert.Equal(t, uint64(2), r.version)
}

func TestEchoSuppression(t *testing.T) {
	r := newReconciler("self", PolicyLastWriteWins, nil)
	r.applyLocal(map[string]any{"a": 1}, false, ts(1))
	require.Equal(t, uint64(1), r.version)

	// The broadcast of our own write comes back; it must not re-apply.
	r.applyRemote(StateUpdate{Changes: map[string]any{"a": 1}, UserID: "self", Timestamp: ts(1)})
	assert.Equal(t, 1, r.state["a"])
	assert.Equal(t, uint64(1), r.version)
}

func TestStaleWriteDoesNotClobberNewerKey(t *testing.T) {
	r := newReconciler("observer", PolicyLastWriteWins, nil)
	r.applyRemote(StateUpdate{Changes: map[string]any{"title": "new"}, UserID: "u1", Timestamp: ts(10)})
	r.applyRemote(StateUpdate{Changes: map[string]any{"title": "old", "extra": true}, UserID: "u2", Timestamp: ts(5)})

	assert.Equal(t, "new", r.state["title"])
	assert.Equal(t, true, r.state["extra"], "non-conflicting key from the stale update still lands")
}

func TestMergePolicyMergesObjectValuesOneLevel(t *testing.T) {
	r := newReconciler("observer", PolicyMerge, nil)
	r.applyLocal(map[string]any{
		"style": map[string]any{"color": "red", "size": 12},
		"name":  "local",
	}, false, ts(1))

	update := StateUpdate{
		Changes: map[string]any{
			"style": map[string]any{"color": "blue", "weight": "bold"},
			"name":  "remote",
		},
		UserID:    "u2",
		Timestamp: ts(2),
	}
	r.applyRemote(update)

	want := map[string]any{
		"style": map[string]any{"color": "blue", "size": 12, "weight": "bold"},
		"name":  "remote",
	}
	assert.Equal(t, want, r.snapshot())

	// Idempotence: applying the same update again yields the same state.
	r.applyRemote(update)
	assert.Equal(t, want, r.snapshot())
}

func TestManualPolicyDefersApplication(t *testing.T) {
	r := newReconciler("observer", PolicyManual, nil)
	r.applyLocal(map[string]any{"doc": "mine"}, false, ts(1))

	incoming := StateUpdate{Changes: map[string]any{"doc": "theirs"}, UserID: "u2", Timestamp: ts(2)}
	r.applyRemote(incoming)

	assert.Equal(t, "mine", r.state["doc"], "state unchanged until the conflict is resolved")
	conflicts := r.pendingConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "u2", conflicts[0].UserID)
	assert.Equal(t, map[string]any{"doc": "theirs"}, conflicts[0].Incoming)
	assert.Equal(t, "mine", conflicts[0].Previous["doc"])

	require.NoError(t, r.resolve(incoming.Timestamp, DecisionApply))
	assert.Equal(t, "theirs", r.state["doc"])
	assert.Empty(t, r.pendingConflicts())
}

func TestResolveApplyYieldsToInterveningNewerWrite(t *testing.T) {
	r := newReconciler("observer", PolicyManual, nil)

	incoming := StateUpdate{Changes: map[string]any{"doc": "theirs", "note": "added"}, UserID: "u2", Timestamp: ts(10)}
	r.applyRemote(incoming)
	r.applyLocal(map[string]any{"doc": "mine, newer"}, false, ts(20))

	require.NoError(t, r.resolve(incoming.Timestamp, DecisionApply))
	assert.Equal(t, "mine, newer", r.state["doc"], "a newer local write keeps its key")
	assert.Equal(t, "added", r.state["note"], "uncontested keys from the conflict still land")
	assert.Empty(t, r.pendingConflicts())
}

func TestManualPolicyDiscard(t *testing.T) {
	r := newReconciler("observer", PolicyManual, nil)
	r.applyLocal(map[string]any{"doc": "mine"}, false, ts(1))

	incoming := StateUpdate{Changes: map[string]any{"doc": "theirs"}, UserID: "u2", Timestamp: ts(2)}
	r.applyRemote(incoming)

	require.NoError(t, r.resolve(incoming.Timestamp, DecisionDiscard))
	assert.Equal(t, "mine", r.state["doc"])
	assert.Empty(t, r.pendingConflicts())
}

func TestResolveUnknownConflict(t *testing.T) {
	r := newReconciler("observer", PolicyManual, nil)
	assert.ErrorIs(t, r.resolve(ts(99), DecisionApply), ErrNoSuchConflict)
}

func TestPendingConflictsSortedOldestFirst(t *testing.T) {
	r := newReconciler("observer", PolicyManual, nil)
	r.applyRemote(StateUpdate{Changes: map[string]any{"a": 2}, UserID: "u2", Timestamp: ts(20)})
	r.applyRemote(StateUpdate{Changes: map[string]any{"a": 1}, UserID: "u1", Timestamp: ts(10)})

	conflicts := r.pendingConflicts()
	require.Len(t, conflicts, 2)
	assert.True(t, conflicts[0].Timestamp.Before(conflicts[1].Timestamp))
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newReconciler("observer", PolicyLastWriteWins, map[string]any{"a": 1})
	snap := r.snapshot()
	snap["a"] = 99
	assert.Equal(t, 1, r.state["a"])
}

func TestInitialStateSeedsDocument(t *testing.T) {
	r := newReconciler("self", "", map[string]any{"doc_type": "design"})
	assert.Equal(t, PolicyLastWriteWins, r.policy)
	assert.Equal(t, "design", r.state["doc_type"])
	assert.Equal(t, uint64(1), r.version)
}
