package collab

import "time"

// Participant is one member of a room as seen by the local client. All
// fields besides the local participant's own record are derived from remote
// presence broadcasts and never authoritative locally.
type Participant struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	AvatarRef   string          `json:"avatar_ref,omitempty"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
	IsActive    bool            `json:"is_active"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
}

type NotificationKind string

const (
	NotificationJoined NotificationKind = "joined"
	NotificationLeft   NotificationKind = "left"
)

// Notification is a user-facing presence change ("X joined", "X left").
type Notification struct {
	Kind        NotificationKind
	Participant Participant
}

type presencePhase int

const (
	presenceEmpty presencePhase = iota
	presenceSyncing
	presenceSynced
)

// presenceTracker maintains the participant set for one room from full sync
// snapshots and incremental join/leave deltas. It is not safe for concurrent
// use; the session serializes access.
type presenceTracker struct {
	phase        presencePhase
	participants map[string]Participant
	order        []string
	selfID       string
}

func newPresenceTracker(selfID string) *presenceTracker {
	return &presenceTracker{
		participants: make(map[string]Participant),
		selfID:       selfID,
	}
}

// applySync rebuilds the participant map from a full snapshot. A participant
// absent from the snapshot is removed immediately; there is no grace period.
// When a slot holds more than one record the first one wins; which record
// that is for a contested slot is an inherited quirk, not a guarantee.
func (t *presenceTracker) applySync(slots []PresenceSlot) []Notification {
	t.phase = presenceSyncing
	prev := t.participants
	t.participants = make(map[string]Participant, len(slots))
	t.order = t.order[:0]
	var notes []Notification
	for _, slot := range slots {
		if len(slot.Records) == 0 {
			continue
		}
		p := participantFromRecord(slot.Records[0])
		if _, dup := t.participants[p.ID]; dup {
			continue
		}
		t.participants[p.ID] = p
		t.order = append(t.order, p.ID)
	}
	for id, p := range prev {
		if _, still := t.participants[id]; !still && id != t.selfID {
			notes = append(notes, Notification{Kind: NotificationLeft, Participant: p})
		}
	}
	// The local record is owned locally, not by the bus: a snapshot taken
	// before our own track round-trips must not evict it.
	if self, had := prev[t.selfID]; had {
		if _, still := t.participants[t.selfID]; !still {
			t.upsert(self)
		}
	}
	t.phase = presenceSynced
	return notes
}

func (t *presenceTracker) applyJoin(slot PresenceSlot) []Notification {
	if len(slot.Records) == 0 {
		return nil
	}
	p := participantFromRecord(slot.Records[0])
	_, known := t.participants[p.ID]
	t.upsert(p)
	if known || p.ID == t.selfID {
		return nil
	}
	return []Notification{{Kind: NotificationJoined, Participant: p}}
}

func (t *presenceTracker) applyLeave(slot PresenceSlot) []Notification {
	if len(slot.Records) == 0 {
		return nil
	}
	id := participantFromRecord(slot.Records[0]).ID
	p, known := t.participants[id]
	if !known {
		return nil
	}
	delete(t.participants, id)
	for i, pid := range t.order {
		if pid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if id == t.selfID {
		return nil
	}
	return []Notification{{Kind: NotificationLeft, Participant: p}}
}

// setSelf records the local participant optimistically before the next full
// sync confirms it. Idempotent by id.
func (t *presenceTracker) setSelf(p Participant) {
	t.upsert(p)
}

func (t *presenceTracker) setCursor(userID string, pos CursorPosition) {
	p, ok := t.participants[userID]
	if !ok {
		return
	}
	c := pos
	p.Cursor = &c
	p.LastSeenAt = time.Now().UTC()
	t.participants[userID] = p
}

func (t *presenceTracker) upsert(p Participant) {
	if _, known := t.participants[p.ID]; !known {
		t.order = append(t.order, p.ID)
	}
	t.participants[p.ID] = p
}

// list returns a copy of the participant set in join order.
func (t *presenceTracker) list() []Participant {
	out := make([]Participant, 0, len(t.participants))
	for _, id := range t.order {
		out = append(out, t.participants[id])
	}
	return out
}

func participantFromRecord(rec PresenceRecord) Participant {
	id := rec.ID
	if id == "" {
		id = rec.Key
	}
	name := rec.Name
	if name == "" {
		name = id
	}
	seen := rec.OnlineAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	return Participant{
		ID:          id,
		DisplayName: name,
		AvatarRef:   rec.Avatar,
		Cursor:      rec.Cursor,
		IsActive:    true,
		LastSeenAt:  seen,
	}
}
