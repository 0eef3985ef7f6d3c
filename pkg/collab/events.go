package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventStateUpdate     EventType = "state_update"
	EventUserAction      EventType = "user_action"
	EventCursorMove      EventType = "cursor_move"
	EventSelectionChange EventType = "selection_change"
	EventMessage         EventType = "message"
	EventUnknown         EventType = "unknown"
)

type CursorPosition struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Element string  `json:"element,omitempty"`
}

type StateUpdate struct {
	Changes   map[string]any `json:"changes"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
}

type UserAction struct {
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
}

type CursorMove struct {
	Position CursorPosition `json:"position"`
	UserID   string         `json:"user_id"`
}

type SelectionChange struct {
	Selection string `json:"selection"`
	UserID    string `json:"user_id"`
}

type ChatMessage struct {
	Text        string    `json:"text"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is a tagged union over the broadcast event categories a room can
// carry. Exactly one payload field is set for the known types; events with
// an unrecognized name land in Extension so newer peers remain readable.
type Event struct {
	Type            EventType
	StateUpdate     *StateUpdate
	UserAction      *UserAction
	CursorMove      *CursorMove
	SelectionChange *SelectionChange
	Message         *ChatMessage
	Extension       map[string]any
}

// OriginUserID reports the sending participant's id for events that carry
// one, or "" for extension events without it.
func (e Event) OriginUserID() string {
	switch e.Type {
	case EventStateUpdate:
		return e.StateUpdate.UserID
	case EventUserAction:
		return e.UserAction.UserID
	case EventCursorMove:
		return e.CursorMove.UserID
	case EventSelectionChange:
		return e.SelectionChange.UserID
	case EventMessage:
		return e.Message.UserID
	}
	if id, ok := e.Extension["user_id"].(string); ok {
		return id
	}
	return ""
}

func decodeEvent(name string, payload []byte) (Event, error) {
	switch EventType(name) {
	case EventStateUpdate:
		var u StateUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return Event{}, fmt.Errorf("bad state_update payload: %w", err)
		}
		if u.Changes == nil {
			return Event{}, fmt.Errorf("state_update without changes")
		}
		return Event{Type: EventStateUpdate, StateUpdate: &u}, nil

	case EventUserAction:
		var a UserAction
		if err := json.Unmarshal(payload, &a); err != nil {
			return Event{}, fmt.Errorf("bad user_action payload: %w", err)
		}
		if a.Action == "" {
			return Event{}, fmt.Errorf("user_action without action name")
		}
		return Event{Type: EventUserAction, UserAction: &a}, nil

	case EventCursorMove:
		var c CursorMove
		if err := json.Unmarshal(payload, &c); err != nil {
			return Event{}, fmt.Errorf("bad cursor_move payload: %w", err)
		}
		return Event{Type: EventCursorMove, CursorMove: &c}, nil

	case EventSelectionChange:
		var s SelectionChange
		if err := json.Unmarshal(payload, &s); err != nil {
			return Event{}, fmt.Errorf("bad selection_change payload: %w", err)
		}
		return Event{Type: EventSelectionChange, SelectionChange: &s}, nil

	case EventMessage:
		var m ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return Event{}, fmt.Errorf("bad message payload: %w", err)
		}
		return Event{Type: EventMessage, Message: &m}, nil
	}

	ext := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ext); err != nil {
			return Event{}, fmt.Errorf("bad %q payload: %w", name, err)
		}
	}
	ext["event"] = name
	return Event{Type: EventUnknown, Extension: ext}, nil
}

func encodeEvent(name EventType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	return Envelope{Event: string(name), Payload: data}, nil
}
