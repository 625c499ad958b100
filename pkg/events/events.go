// Package events fans orchestrator progress out to per-session subscribers.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event types published during orchestration
const (
	TypeToolCallStarted = "tool-call-started"
	TypeSideEffect      = "side-effect"
	TypeToolResult      = "tool-result"
	TypeError           = "error"
	TypeModeChanged     = "mode-changed"
	TypeTurnStatus      = "turn-status"
)

// ErrHubClosed is returned by operations on a closed hub
var ErrHubClosed = errors.New("event hub closed")

// Event is one progress notification for a session
type Event struct {
	Type       string      `json:"type"`
	SessionID  string      `json:"sessionId"`
	RequestID  string      `json:"requestId,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	Operation  string      `json:"operation,omitempty"`
	Success    *bool       `json:"success,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	Seq        int64       `json:"seq"`
}

// Sink receives events. Publish errors are for logging only.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(ctx context.Context, event Event) error { return nil }

// Subscription receives the events of one session until closed
type Subscription struct {
	C <-chan Event

	hub       *Hub
	sessionID string
	ch        chan Event
	once      sync.Once
}

// Close detaches the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is an in-process Sink with per-session subscribers. A subscriber
// whose buffer is full misses the event rather than blocking the publisher.
type Hub struct {
	logger zerolog.Logger
	buffer int
	seq    uint64

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub. buffer is the per-subscriber channel size.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		logger: logger.With().Str("component", "events").Logger(),
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe starts receiving events for sessionID
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, hub: h, sessionID: sessionID, ch: ch}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions for a session
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Publish stamps and delivers an event to the session's subscribers
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Seq = int64(atomic.AddUint64(&h.seq, 1))

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}

	dropped := 0
	for sub := range h.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().
			Str("sessionId", event.SessionID).
			Str("event", event.Type).
			Int("dropped", dropped).
			Msg("Slow subscribers missed an event")
	}
	return nil
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	h.subs = map[string]map[*Subscription]struct{}{}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, sub.sessionID)
	}
}
