// Package classifier interprets raw server-pushed stream payloads and maps
// each one to the semantic actions that drive the progress view.
package classifier

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"runlog/pkg/events"
	"runlog/pkg/pipeline"
)

// ActionKind discriminates the classified actions.
type ActionKind string

const (
	ActionLogLine          ActionKind = "log_line"
	ActionPhaseLoading     ActionKind = "phase_loading"
	ActionEntityDiscovered ActionKind = "entity_discovered"
	ActionStepUpdate       ActionKind = "step_update"
)

// Action is one classified outcome of a raw event. A single raw event may
// produce zero, one, or several actions.
type Action struct {
	Kind      ActionKind
	SessionID string

	// Text is set for log line actions.
	Text string

	// Entity and step fields are set for discovery and step updates.
	Entity  string
	StepID  string
	Success bool

	// Delay staggers the release of batched step updates so a UI can animate
	// through the pipeline. Zero means apply immediately.
	Delay time.Duration
}

// Classifier turns raw stream payloads into actions. Malformed payloads are
// dropped and logged; they never abort the session.
type Classifier struct {
	logger    *slog.Logger
	stepDelay time.Duration
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithStepDelay sets the per-step stagger applied to batched step updates.
// The default is zero, which releases every update immediately.
func WithStepDelay(d time.Duration) Option {
	return func(c *Classifier) {
		c.stepDelay = d
	}
}

func New(logger *slog.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		logger: logger.With("module", "classifier"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Classify evaluates the classification rules, in order, against one raw
// payload. A response field always wins over the step type; downstream
// consumers depend on that ordering.
func (c *Classifier) Classify(sessionID string, raw []byte) []Action {
	var payload events.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Error("Dropping malformed stream event", "session_id", sessionID, "error", err)

		return nil
	}

	if payload.Response != "" {
		return []Action{{
			Kind:      ActionLogLine,
			SessionID: sessionID,
			Text:      payload.Response,
		}}
	}

	switch payload.StepType {
	case events.StepTypeExecuteAction:
		return []Action{{
			Kind:      ActionLogLine,
			SessionID: sessionID,
			Text:      "Executing tool: " + payload.ExecutedActionID,
		}}
	case events.StepTypeCustomLog:
		return c.classifyCustomLog(sessionID, payload.Message)
	case events.StepTypeInteractionComplete:
		c.logger.Debug("Interaction complete", "session_id", sessionID)

		return nil
	default:
		c.logger.Debug("Ignoring unknown stream event", "session_id", sessionID, "step_type", payload.StepType)

		return nil
	}
}

func (c *Classifier) classifyCustomLog(sessionID, message string) []Action {
	switch {
	case message == events.StartMarker:
		return []Action{{
			Kind:      ActionPhaseLoading,
			SessionID: sessionID,
		}}
	case strings.Contains(message, ":"):
		entity, status, _ := strings.Cut(message, ":")
		success := status == events.SuccessToken

		steps := pipeline.StepIDs()
		actions := make([]Action, 0, len(steps))

		for i, stepID := range steps {
			actions = append(actions, Action{
				Kind:      ActionStepUpdate,
				SessionID: sessionID,
				Entity:    entity,
				StepID:    stepID,
				Success:   success,
				Delay:     time.Duration(i) * c.stepDelay,
			})
		}

		return actions
	case strings.Contains(message, "@"):
		return []Action{{
			Kind:      ActionEntityDiscovered,
			SessionID: sessionID,
			Entity:    message,
		}}
	default:
		c.logger.Debug("Ignoring custom log message", "session_id", sessionID, "message", message)

		return nil
	}
}
