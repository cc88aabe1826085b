// Package hub bridges the internal event bus to the per-session push
// streams. Each session id has at most one live stream; registering again
// supersedes the previous subscriber.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"runlog/pkg/eventbus"
	"runlog/pkg/events"
	"runlog/pkg/stream"
)

const subscriberBuffer = 256

// Frame is one server-sent event ready for the wire. An empty Event name
// means the default message event.
type Frame struct {
	Event string
	Data  []byte
}

type subscriber struct {
	mu     sync.Mutex
	frames chan Frame
	closed bool
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// offer delivers a frame unless the subscriber is closed or saturated.
func (s *subscriber) offer(frame Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*subscriber
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger.With("module", "hub"),
		sessions: make(map[string]*subscriber),
	}
}

// Attach wires the hub into the bus and starts consuming session events.
func (h *Hub) Attach(ctx context.Context, bus eventbus.EventBus) error {
	if err := bus.Handle(events.SessionLogEvent, h.onSessionLog); err != nil {
		return err
	}

	if err := bus.Handle(events.SessionCompletedEvent, h.onSessionCompleted); err != nil {
		return err
	}

	return bus.Subscribe(ctx)
}

// Register opens the stream for a session and returns its frame channel plus
// a release function. The channel is closed when the session completes or the
// subscriber is released or superseded.
func (h *Hub) Register(sessionID string) (<-chan Frame, func()) {
	sub := &subscriber{frames: make(chan Frame, subscriberBuffer)}

	h.mu.Lock()
	if old, ok := h.sessions[sessionID]; ok {
		old.close()
	}

	h.sessions[sessionID] = sub
	h.mu.Unlock()

	release := func() {
		h.mu.Lock()
		if h.sessions[sessionID] == sub {
			delete(h.sessions, sessionID)
		}
		h.mu.Unlock()

		sub.close()
	}

	return sub.frames, release
}

func (h *Hub) onSessionLog(_ context.Context, event any) error {
	logEvent, ok := event.(*events.SessionLog)
	if !ok {
		return nil
	}

	data, err := json.Marshal(logEvent.Payload)
	if err != nil {
		return err
	}

	h.send(logEvent.SessionID, Frame{Data: data})

	return nil
}

func (h *Hub) onSessionCompleted(_ context.Context, event any) error {
	completedEvent, ok := event.(*events.SessionCompleted)
	if !ok {
		return nil
	}

	h.mu.Lock()
	sub, ok := h.sessions[completedEvent.SessionID]
	if ok {
		delete(h.sessions, completedEvent.SessionID)
	}
	h.mu.Unlock()

	if !ok {
		return nil
	}

	if !sub.offer(Frame{Event: stream.CompleteEventName, Data: []byte("{}")}) {
		h.logger.Warn("Dropping complete frame for slow subscriber", "session_id", completedEvent.SessionID)
	}

	sub.close()

	return nil
}

// send delivers a frame to the session's subscriber, dropping it when no
// stream is connected or the subscriber cannot keep up.
func (h *Hub) send(sessionID string, frame Frame) {
	h.mu.Lock()
	sub, ok := h.sessions[sessionID]
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("No subscriber for session", "session_id", sessionID)

		return
	}

	if !sub.offer(frame) {
		h.logger.Warn("Dropping frame for slow subscriber", "session_id", sessionID)
	}
}
