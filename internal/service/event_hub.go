package service

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// AllSessions subscribes to events of every session.
const AllSessions = "*"

// EventHub fans sync events out to live subscribers keyed by session id.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	logger *zap.Logger

	dropped uint64
}

func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		subs:   map[string]map[chan Event]struct{}{},
		logger: logger,
	}
}

// Subscribe returns a channel of events for sessionID and a func that releases it.
func (h *EventHub) Subscribe(sessionID string, buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = map[chan Event]struct{}{}
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Publish(_ context.Context, ev Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.fanout(h.subs[ev.SessionID], ev)
	if ev.SessionID != AllSessions {
		h.fanout(h.subs[AllSessions], ev)
	}
}

func (h *EventHub) fanout(subs map[chan Event]struct{}, ev Event) {
	for ch := range subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber; the sync never waits on it
			n := atomic.AddUint64(&h.dropped, 1)
			if h.logger != nil && n%100 == 1 {
				h.logger.Warn("event hub dropping events", zap.Uint64("dropped", n))
			}
		}
	}
}

func (h *EventHub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
