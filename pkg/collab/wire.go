package collab

import "encoding/json"

// Wire frames spoken between the websocket transport and the relay server.
// The relay imports these so both ends stay in lockstep.

const (
	FrameBroadcast = "broadcast"
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
)

// ClientFrame travels client -> relay.
type ClientFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame travels relay -> client.
type ServerFrame struct {
	Category Category        `json:"category"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
