// Package orchestrator ties a run together: mint a session id, open the event
// stream, issue the trigger request, and fold streamed events into progress
// state until the session settles.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"runlog/pkg/classifier"
	"runlog/pkg/progress"
	"runlog/pkg/session"
	"runlog/pkg/stream"
)

var (
	// ErrEmptyPrompt rejects a run before any network activity happens.
	ErrEmptyPrompt = errors.New("orchestrator: prompt must not be empty")

	// ErrTrigger wraps failures of the triggering request. The stream may
	// still have delivered useful partial progress when this is returned.
	ErrTrigger = errors.New("orchestrator: trigger request failed")
)

// Phase is the orchestrator's run state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseRequesting Phase = "requesting"
	PhaseSettled    Phase = "settled"
)

type triggerRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type triggerResponse struct {
	Message struct {
		Response string `json:"response"`
	} `json:"message"`
}

// Result is the outcome of a settled run.
type Result struct {
	SessionID string
	Response  string
}

// Orchestrator drives one run at a time. Starting a new run supersedes the
// previous session: its channel is closed and any of its still-pending
// actions are discarded by session id.
type Orchestrator struct {
	client         *http.Client
	logger         *slog.Logger
	classifier     *classifier.Classifier
	triggerBaseURL string
	streamBaseURL  string

	mu        sync.Mutex
	phase     Phase
	sessionID string
	logs      []string
	state     *progress.State
	channel   *stream.Channel
}

func New(client *http.Client, logger *slog.Logger, c *classifier.Classifier, triggerBaseURL, streamBaseURL string) *Orchestrator {
	if client == nil {
		client = http.DefaultClient
	}

	return &Orchestrator{
		client:         client,
		logger:         logger.With("module", "orchestrator"),
		classifier:     c,
		triggerBaseURL: strings.TrimSuffix(triggerBaseURL, "/"),
		streamBaseURL:  strings.TrimSuffix(streamBaseURL, "/"),
		phase:          PhaseIdle,
		state:          progress.NewState(),
	}
}

// Run executes one end-to-end session and blocks until it settles. The
// stream may keep mutating progress state after Run returns; its completion
// signal closes the channel independently.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	sessionID := session.NewID()
	logger := o.logger.With("session_id", sessionID)

	o.mu.Lock()
	if o.channel != nil {
		o.channel.Close()
	}

	o.phase = PhaseConnecting
	o.sessionID = sessionID
	o.logs = nil
	o.state = progress.NewState()

	ch := stream.Open(ctx, o.client, logger, o.streamBaseURL+"/logevents/"+sessionID)
	o.channel = ch
	o.mu.Unlock()

	logger.Info("Connecting session stream")

	select {
	case <-ch.Opened():
	case <-ch.Done():
		o.settle(sessionID)

		return nil, ch.Err()
	case <-ctx.Done():
		ch.Close()
		o.settle(sessionID)

		return nil, ctx.Err()
	}

	o.setPhase(sessionID, PhaseStreaming)
	logger.Info("Session stream open, issuing trigger request")

	go o.consume(sessionID, ch)

	o.setPhase(sessionID, PhaseRequesting)

	result, err := o.trigger(ctx, prompt, sessionID)
	o.settle(sessionID)

	if err != nil {
		logger.Error("Trigger request failed", "error", err)

		return nil, err
	}

	logger.Info("Run settled", "response_len", len(result.Response))

	return result, nil
}

func (o *Orchestrator) trigger(ctx context.Context, prompt, sessionID string) (*Result, error) {
	body, err := json.Marshal(triggerRequest{Query: prompt, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrigger, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.triggerBaseURL+"/prompt-once/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrigger, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrigger, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTrigger, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrigger, err)
	}

	var payload triggerResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed response body: %w", ErrTrigger, err)
	}

	return &Result{SessionID: sessionID, Response: payload.Message.Response}, nil
}

// consume reads the stream until it terminates, classifying every raw event
// and applying the resulting actions. Actions carry the session id they were
// classified under; apply drops them once that session is superseded.
func (o *Orchestrator) consume(sessionID string, ch *stream.Channel) {
	for raw := range ch.Messages() {
		for _, action := range o.classifier.Classify(sessionID, raw) {
			if action.Delay > 0 {
				time.AfterFunc(action.Delay, func() {
					o.apply(action)
				})

				continue
			}

			o.apply(action)
		}
	}

	if err := ch.Err(); err != nil {
		o.logger.Warn("Session stream closed with error", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) apply(action classifier.Action) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if action.SessionID != o.sessionID {
		return
	}

	if action.Kind == classifier.ActionLogLine {
		o.logs = append(o.logs, action.Text)
	}

	o.state.Apply(action)
}

func (o *Orchestrator) setPhase(sessionID string, phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sessionID == o.sessionID {
		o.phase = phase
	}
}

func (o *Orchestrator) settle(sessionID string) {
	o.setPhase(sessionID, PhaseSettled)
}

// Phase returns the current run phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.phase
}

// SessionID returns the id of the active session, or empty before any run.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.sessionID
}

// Logs returns a copy of the current run's log buffer.
func (o *Orchestrator) Logs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.logs))
	copy(out, o.logs)

	return out
}

// Progress exposes read access to the current run's reduced progress view.
func (o *Orchestrator) Progress() (progress.Phase, []progress.Row, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state.Phase(), o.state.Rows(), o.state.HasReceivedAnyEvent()
}

// Close abandons the active session, if any.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.channel != nil {
		o.channel.Close()
	}
}
