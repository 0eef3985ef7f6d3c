package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"collabsync/internal/auth"
	"collabsync/internal/database"
	"collabsync/internal/relay"
	"collabsync/internal/services"
	"collabsync/pkg/collab"
	"collabsync/pkg/logger"
)

type WebSocketHandlers struct {
	authService   *auth.Service
	roomService   *services.RoomService
	hubManager    *relay.Manager
	db            database.Database
	backfillCount int
	upgrader      websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, roomService *services.RoomService, hubManager *relay.Manager, db database.Database, backfillCount int) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService:   authService,
		roomService:   roomService,
		hubManager:    hubManager,
		db:            db,
		backfillCount: backfillCount,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket joins an authenticated client to a room topic. The room
// is created implicitly on first join.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	user, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	roomName := roomNameFromQuery(r)
	if roomName == "" {
		http.Error(w, "missing topic or room", http.StatusBadRequest)
		return
	}

	roomID, err := h.db.GetOrCreateRoom(r.Context(), roomName)
	if err != nil {
		logger.Error("Error creating room: %v", err)
		http.Error(w, "error accessing room", http.StatusInternalServerError)
		return
	}

	canAccess, err := h.roomService.CanUserAccessRoom(r.Context(), user.ID, roomID)
	if err != nil {
		http.Error(w, "error checking room access", http.StatusInternalServerError)
		return
	}
	if !canAccess {
		http.Error(w, "not a member of this room", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	hub := h.hubManager.GetHubForTopic(collab.TopicForRoom(roomName), roomID)

	self := ParticipantForUser(*user)
	client, err := relay.NewClient(hub, conn, user.ID, self.ID, self.DisplayName, h.db)
	if err != nil {
		logger.Error("Error creating client: %v", err)
		conn.Close()
		return
	}

	hub.Register <- client

	go client.SendRecentMessages(h.backfillCount)

	go client.WritePump()
	go client.ReadPump()
}

// roomNameFromQuery accepts either ?room=<name> or the transport's
// ?topic=room:<name> form.
func roomNameFromQuery(r *http.Request) string {
	if room := r.URL.Query().Get("room"); room != "" {
		return room
	}
	topic := r.URL.Query().Get("topic")
	return strings.TrimPrefix(topic, "room:")
}
