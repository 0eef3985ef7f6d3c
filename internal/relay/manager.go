package relay

import (
	"context"
	"sync"
	"time"

	"collabsync/pkg/logger"
)

// Manager owns the hub map: one live hub per topic, created on first join
// and torn down once idle. It also sweeps stale realtime session rows.
type Manager struct {
	hubs        map[string]*Hub
	mutex       sync.Mutex
	store       Store
	idleTimeout time.Duration
	staleAfter  time.Duration
}

func NewManager(store Store, idleTimeout, staleAfter time.Duration) *Manager {
	manager := &Manager{
		hubs:        make(map[string]*Hub),
		store:       store,
		idleTimeout: idleTimeout,
		staleAfter:  staleAfter,
	}

	go manager.cleanupLoop()
	return manager
}

// GetHubForTopic returns the live hub for a topic, starting one when the
// topic has no subscribers yet.
func (m *Manager) GetHubForTopic(topic string, roomID int) *Hub {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hub, exists := m.hubs[topic]
	if !exists {
		hub = NewHub(topic, roomID, m.store, m.idleTimeout)
		m.hubs[topic] = hub
		go hub.Run()
		go hub.StartCleanupRoutine()
	}
	return hub
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.mutex.Lock()
		for topic, hub := range m.hubs {
			if hub.ClientCount() == 0 {
				hub.ShutdownHub()
				delete(m.hubs, topic)
				logger.Debug("Cleaned up idle hub for %s", topic)
			}
		}
		m.mutex.Unlock()

		if err := m.store.SweepStaleSessions(context.Background(), m.staleAfter); err != nil {
			logger.Error("Error sweeping stale sessions: %v", err)
		}
	}
}
