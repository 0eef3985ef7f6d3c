package models

import "time"

// RealtimeSession is one live websocket subscription to a room topic. Rows
// are written on connect, touched on activity, and swept once stale.
type RealtimeSession struct {
	ID          int       `json:"id"`
	UserID      int       `json:"user_id"`
	RoomID      int       `json:"room_id"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type ActiveUser struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Status      string    `json:"status"`
}
