package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"collabsync/internal/models"
	"collabsync/pkg/collab"
	"collabsync/pkg/logger"
)

// Authenticator is the slice of the auth service the HTTP surface needs.
type Authenticator interface {
	Register(ctx context.Context, req *models.RegisterRequest) (*models.LoginResponse, error)
	Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error)
}

type AuthHandlers struct {
	auth Authenticator
}

func NewAuthHandlers(auth Authenticator) *AuthHandlers {
	return &AuthHandlers{auth: auth}
}

// sessionResponse is everything a client needs to open a collaborative
// session: the bearer token for the websocket handshake and the participant
// identity to join rooms as.
type sessionResponse struct {
	Token       string             `json:"token"`
	User        models.User        `json:"user"`
	Participant collab.Participant `json:"participant"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	resp, err := h.auth.Register(r.Context(), &req)
	if err != nil {
		logger.Error("Registration error: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeSession(w, http.StatusCreated, resp)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	resp, err := h.auth.Login(r.Context(), &req)
	if err != nil {
		logger.Error("Login error: %v", err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	writeSession(w, http.StatusOK, resp)
}

func writeSession(w http.ResponseWriter, status int, resp *models.LoginResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(sessionResponse{
		Token:       resp.Token,
		User:        resp.User,
		Participant: ParticipantForUser(resp.User),
	})
}

// ParticipantForUser derives the collab participant identity for a user.
// The id is the decimal user id, the same presence key the relay tracks
// for this account, so echo suppression lines up across a user's clients.
func ParticipantForUser(u models.User) collab.Participant {
	return collab.Participant{
		ID:          strconv.Itoa(u.ID),
		DisplayName: u.Username,
		AvatarRef:   u.AvatarURL,
	}
}
