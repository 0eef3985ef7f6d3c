package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/pkg/collab"
	"collabsync/pkg/logger"
)

type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	userID    int
	userKey   string
	username  string
	sessionID string
	store     Store
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int, userKey, username string, store Store) (*Client, error) {
	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    userID,
		userKey:   userKey,
		username:  username,
		sessionID: uuid.NewString(),
		store:     store,
	}

	if err := store.CreateSession(context.Background(), userID, hub.roomID, client.sessionID); err != nil {
		logger.Error("Error creating realtime session: %v", err)
		return nil, err
	}

	return client, nil
}

func (c *Client) ReadPump() {
	defer func() {
		if err := c.store.RemoveSession(context.Background(), c.sessionID); err != nil {
			logger.Error("Error removing realtime session: %v", err)
		}
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			break
		}

		if err := c.store.TouchSession(context.Background(), c.sessionID); err != nil {
			logger.Error("Error touching session activity: %v", err)
		}

		var frame collab.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("Dropping malformed client frame from %s: %v", c.sessionID, err)
			continue
		}

		c.hub.Frames <- inboundFrame{client: c, frame: frame}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendRecentMessages backfills a joining client with the room's last chat
// messages, replayed as ordinary message broadcasts.
func (c *Client) SendRecentMessages(limit int) {
	messages, err := c.store.LoadRecentMessages(context.Background(), c.hub.roomID, limit)
	if err != nil {
		logger.Error("Error loading recent messages: %v", err)
		return
	}

	for _, msg := range messages {
		payload, err := json.Marshal(collab.ChatMessage{
			Text:        msg.Content,
			UserID:      "", // historical; origin session is gone
			DisplayName: msg.Username,
			Timestamp:   msg.CreatedAt,
		})
		if err != nil {
			logger.Error("Error marshaling history message: %v", err)
			continue
		}
		data := serverFrame(collab.CategoryBroadcast, string(collab.EventMessage), payload)
		if data == nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}
