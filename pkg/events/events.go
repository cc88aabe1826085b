// Package events defines the wire payloads pushed over a session's log stream
// and the bus envelopes that carry them between the runner and the stream hub.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Bus topic carrying all session stream traffic.
const Topic = "runlog.sessions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	SessionLogEvent       EventType = "session.log"
	SessionCompletedEvent EventType = "session.completed"
)

// Step type discriminators carried in raw stream payloads.
const (
	StepTypeCustomLog           = "custom_log"
	StepTypeExecuteAction       = "execute_action"
	StepTypeInteractionComplete = "interaction_complete"
)

// Literal markers embedded in custom_log messages.
const (
	StartMarker  = "CHECKING FOR EMAILS"
	SuccessToken = "DONE"
)

// Payload is the JSON body of one server-pushed stream event. Exactly which
// fields are set depends on the step type; unknown combinations are ignored
// by consumers, never rejected.
type Payload struct {
	StepType         string `json:"step_type,omitempty"`
	Message          string `json:"message,omitempty"`
	ExecutedActionID string `json:"executed_action_id,omitempty"`
	Response         string `json:"response,omitempty"`
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// SessionLog carries one stream payload for a session.
type SessionLog struct {
	BaseEvent

	Payload Payload `json:"payload"`
}

func (s SessionLog) GetType() EventType {
	return SessionLogEvent
}

// SessionCompleted signals that the server considers the session finished and
// no further payloads will follow.
type SessionCompleted struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (s SessionCompleted) GetType() EventType {
	return SessionCompletedEvent
}

func NewBaseEvent(eventType EventType, sessionID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
}

func NewSessionLog(sessionID string, payload Payload) SessionLog {
	return SessionLog{
		BaseEvent: NewBaseEvent(SessionLogEvent, sessionID),
		Payload:   payload,
	}
}

func NewSessionCompleted(sessionID, reason string) SessionCompleted {
	return SessionCompleted{
		BaseEvent: NewBaseEvent(SessionCompletedEvent, sessionID),
		Reason:    reason,
	}
}
