package collab

import (
	"errors"
	"sort"
	"time"
)

type ResolutionPolicy string

const (
	PolicyLastWriteWins ResolutionPolicy = "last_write_wins"
	PolicyMerge         ResolutionPolicy = "merge"
	PolicyManual        ResolutionPolicy = "manual"
)

type ConflictDecision string

const (
	DecisionApply   ConflictDecision = "apply"
	DecisionDiscard ConflictDecision = "discard"
)

var ErrNoSuchConflict = errors.New("collab: no pending conflict with that timestamp")

// PendingConflict is a remote update the reconciler declined to auto-apply
// under the manual policy. It holds the incoming partial and the local state
// as it was when the update arrived, and waits for an explicit decision.
type PendingConflict struct {
	Timestamp time.Time
	UserID    string
	Incoming  map[string]any
	Previous  map[string]any
}

// reconciler owns the shared-state document for one room. Not safe for
// concurrent use; the session serializes access.
type reconciler struct {
	selfID  string
	policy  ResolutionPolicy
	state   map[string]any
	version uint64
	// written records the timestamp of the last write accepted per key, so
	// last-write-wins converges on the globally latest write regardless of
	// the order updates arrive in.
	written   map[string]time.Time
	conflicts map[int64]PendingConflict
}

func newReconciler(selfID string, policy ResolutionPolicy, initial map[string]any) *reconciler {
	if policy == "" {
		policy = PolicyLastWriteWins
	}
	r := &reconciler{
		selfID:    selfID,
		policy:    policy,
		state:     make(map[string]any),
		written:   make(map[string]time.Time),
		conflicts: make(map[int64]PendingConflict),
	}
	if len(initial) > 0 {
		r.applyLocal(initial, false, time.Now().UTC())
	}
	return r
}

// applyLocal merges a local optimistic write into the state and bumps the
// version counter.
func (r *reconciler) applyLocal(partial map[string]any, merge bool, ts time.Time) {
	next := cloneState(r.state)
	for k, v := range partial {
		if merge {
			next[k] = mergeValue(r.state[k], v)
		} else {
			next[k] = v
		}
		r.written[k] = ts
	}
	r.state = next
	r.version++
}

// applyRemote reconciles an inbound update under the current policy.
// Updates originating from the local participant are echoes of our own
// broadcasts and are dropped without touching state or version.
func (r *reconciler) applyRemote(u StateUpdate) {
	if u.UserID == r.selfID {
		return
	}
	switch r.policy {
	case PolicyManual:
		r.conflicts[u.Timestamp.UnixNano()] = PendingConflict{
			Timestamp: u.Timestamp,
			UserID:    u.UserID,
			Incoming:  cloneState(u.Changes),
			Previous:  cloneState(r.state),
		}
	case PolicyMerge:
		r.apply(u, true)
	default:
		r.apply(u, false)
	}
}

func (r *reconciler) apply(u StateUpdate, merge bool) {
	next := cloneState(r.state)
	changed := false
	for k, v := range u.Changes {
		if merge {
			if merged, ok := tryMergeMaps(r.state[k], v); ok {
				next[k] = merged
				changed = true
				if u.Timestamp.After(r.written[k]) {
					r.written[k] = u.Timestamp
				}
				continue
			}
		}
		// Last-write-wins on this key: a write older than the one already
		// applied is stale and ignored.
		if u.Timestamp.Before(r.written[k]) {
			continue
		}
		next[k] = v
		r.written[k] = u.Timestamp
		changed = true
	}
	if !changed {
		return
	}
	r.state = next
	r.version++
}

// resolve settles a pending manual conflict: apply replays it with
// last-write-wins semantics, discard drops it. Because apply honors the
// per-key staleness guard, a local write newer than the conflict that
// landed while it was pending still wins on its keys, so applying an old
// conflict can leave the state unchanged. Either way the conflict is gone
// afterwards.
func (r *reconciler) resolve(ts time.Time, decision ConflictDecision) error {
	key := ts.UnixNano()
	c, ok := r.conflicts[key]
	if !ok {
		return ErrNoSuchConflict
	}
	delete(r.conflicts, key)
	if decision == DecisionApply {
		r.apply(StateUpdate{Changes: c.Incoming, UserID: c.UserID, Timestamp: c.Timestamp}, false)
	}
	return nil
}

func (r *reconciler) pendingConflicts() []PendingConflict {
	out := make([]PendingConflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// snapshot returns a copy of the state map. Values are shared with the
// internal snapshot but the reconciler never mutates a stored value in
// place, so the copy is stable.
func (r *reconciler) snapshot() map[string]any {
	return cloneState(r.state)
}

func cloneState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeValue merges incoming into local one level deep when both are plain
// key-value objects, and returns incoming unchanged otherwise.
func mergeValue(local, incoming any) any {
	if merged, ok := tryMergeMaps(local, incoming); ok {
		return merged
	}
	return incoming
}

func tryMergeMaps(local, incoming any) (map[string]any, bool) {
	lm, lok := local.(map[string]any)
	im, iok := incoming.(map[string]any)
	if !lok || !iok {
		return nil, false
	}
	merged := make(map[string]any, len(lm)+len(im))
	for k, v := range lm {
		merged[k] = v
	}
	for k, v := range im {
		merged[k] = v
	}
	return merged, true
}
