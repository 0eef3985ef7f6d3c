package main

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"collabsync/internal/auth"
	"collabsync/internal/config"
	"collabsync/internal/database"
	"collabsync/internal/handlers"
	"collabsync/internal/relay"
	"collabsync/internal/services"
	"collabsync/pkg/logger"
)

func main() {
	cfg := config.Load()

	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	authService := auth.NewService(db, cfg)
	roomService := services.NewRoomService(db)

	hubManager := relay.NewManager(db, cfg.Relay.HubIdleTimeout, cfg.Relay.SessionStaleAfter)

	authHandlers := handlers.NewAuthHandlers(authService)
	roomHandlers := handlers.NewRoomHandlers(roomService, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, roomService, hubManager, db, cfg.Relay.RecentMessageCount)

	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, roomHandlers, wsHandlers)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Relay started on http://localhost%s", cfg.Server.Port)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, roomHandlers *handlers.RoomHandlers, wsHandlers *handlers.WebSocketHandlers) {
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/register", authHandlers.Register)

	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodGet:
			roomHandlers.ListRooms(w, r)
		case http.MethodPost:
			roomHandlers.CreateRoom(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 3 || parts[2] == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		if len(parts) == 4 {
			switch {
			case parts[3] == "invite" && r.Method == http.MethodPost:
				roomHandlers.InviteUser(w, r)
				return
			case parts[3] == "members" && r.Method == http.MethodGet:
				roomHandlers.GetRoomMembers(w, r)
				return
			case parts[3] == "leave" && r.Method == http.MethodDelete:
				roomHandlers.LeaveRoom(w, r)
				return
			case parts[3] == "active" && r.Method == http.MethodGet:
				roomHandlers.GetActiveUsers(w, r)
				return
			}
		}

		if len(parts) == 3 && r.Method == http.MethodDelete {
			roomHandlers.DeleteRoom(w, r)
			return
		}

		http.Error(w, "endpoint not found", http.StatusNotFound)
	})

	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
