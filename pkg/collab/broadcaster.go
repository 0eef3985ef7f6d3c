package collab

import (
	"sync"
	"time"

	"collabsync/pkg/logger"
)

const defaultDebounceWindow = 100 * time.Millisecond

// broadcaster pushes local events out through the channel. State updates
// are delayed by a short debounce window by default to bound the outbound
// message rate under rapid edits; each deferred call fires independently,
// deliberately without coalescing.
type broadcaster struct {
	mu      sync.Mutex
	ch      Channel
	delay   time.Duration
	pending map[*time.Timer]struct{}
	closed  bool
}

func newBroadcaster(ch Channel, delay time.Duration) *broadcaster {
	if delay <= 0 {
		delay = defaultDebounceWindow
	}
	return &broadcaster{
		ch:      ch,
		delay:   delay,
		pending: make(map[*time.Timer]struct{}),
	}
}

func (b *broadcaster) sendStateUpdate(u StateUpdate, immediate bool) {
	env, err := encodeEvent(EventStateUpdate, u)
	if err != nil {
		logger.Error("broadcast: %v", err)
		return
	}
	if immediate {
		b.send(env)
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(b.delay, func() {
		b.mu.Lock()
		_, live := b.pending[timer]
		delete(b.pending, timer)
		b.mu.Unlock()
		if live {
			b.ch.Send(env)
		}
	})
	b.pending[timer] = struct{}{}
	b.mu.Unlock()
}

// sendEvent publishes a non-state event (user action, cursor, selection,
// chat) immediately.
func (b *broadcaster) sendEvent(name EventType, payload any) {
	env, err := encodeEvent(name, payload)
	if err != nil {
		logger.Error("broadcast: %v", err)
		return
	}
	b.send(env)
}

func (b *broadcaster) send(env Envelope) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.ch.Send(env)
}

// close cancels pending debounced sends. Sends already handed to the
// transport cannot be recalled.
func (b *broadcaster) close() {
	b.mu.Lock()
	b.closed = true
	for t := range b.pending {
		t.Stop()
		delete(b.pending, t)
	}
	b.mu.Unlock()
}
