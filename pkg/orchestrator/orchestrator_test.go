package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runlog/pkg/classifier"
	"runlog/pkg/pipeline"
	"runlog/pkg/progress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testBackend serves the stream and trigger endpoints the orchestrator talks
// to. Each stream connection replays the configured payload frames and then
// the complete event.
type testBackend struct {
	t              *testing.T
	server         *httptest.Server
	streamPayloads []string
	triggerStatus  int
	triggerBody    string
	triggerCalls   atomic.Int64
	lastSessionID  atomic.Value
}

func newTestBackend(t *testing.T, streamPayloads []string, triggerStatus int, triggerBody string) *testBackend {
	t.Helper()

	b := &testBackend{
		t:              t,
		streamPayloads: streamPayloads,
		triggerStatus:  triggerStatus,
		triggerBody:    triggerBody,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/logevents/", b.handleStream)
	mux.HandleFunc("/prompt-once/", b.handleTrigger)

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)

	return b
}

func (b *testBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")

	flusher, ok := w.(http.Flusher)
	require.True(b.t, ok)

	for _, payload := range b.streamPayloads {
		_, err := w.Write([]byte("data: " + payload + "\n\n"))
		require.NoError(b.t, err)
		flusher.Flush()
	}

	_, err := w.Write([]byte("event: complete\ndata: {}\n\n"))
	require.NoError(b.t, err)
	flusher.Flush()
}

func (b *testBackend) handleTrigger(w http.ResponseWriter, r *http.Request) {
	b.triggerCalls.Add(1)

	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
	}

	require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
	b.lastSessionID.Store(req.SessionID)

	w.WriteHeader(b.triggerStatus)
	_, _ = w.Write([]byte(b.triggerBody))
}

func newTestOrchestrator(b *testBackend) *Orchestrator {
	logger := testLogger()

	return New(b.server.Client(), logger, classifier.New(logger), b.server.URL, b.server.URL)
}

func TestRun_EmptyPromptRejectedLocally(t *testing.T) {
	b := newTestBackend(t, nil, http.StatusOK, `{"message":{"response":"hi"}}`)
	o := newTestOrchestrator(b)

	result, err := o.Run(context.Background(), "   ")

	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Nil(t, result)
	assert.Equal(t, PhaseIdle, o.Phase())
	assert.Zero(t, b.triggerCalls.Load())
}

func TestRun_Success(t *testing.T) {
	b := newTestBackend(t, []string{
		`{"step_type":"custom_log","message":"CHECKING FOR EMAILS"}`,
		`{"step_type":"custom_log","message":"a@example.com"}`,
		`{"step_type":"execute_action","executed_action_id":"gmail_read"}`,
		`{"step_type":"custom_log","message":"a@example.com:DONE"}`,
		`{"response":"summary sent"}`,
	}, http.StatusOK, `{"message":{"response":"hi"}}`)
	o := newTestOrchestrator(b)

	result, err := o.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "hi", result.Response)
	assert.Equal(t, result.SessionID, o.SessionID())
	assert.Equal(t, result.SessionID, b.lastSessionID.Load())
	assert.Equal(t, PhaseSettled, o.Phase())

	// The stream keeps mutating progress state independently of Run
	// returning, so settle on the final view.
	assert.Eventually(t, func() bool {
		phase, rows, _ := o.Progress()
		if phase != progress.PhaseCompleted || len(rows) != 1 {
			return false
		}

		for _, id := range pipeline.StepIDs() {
			if rows[0].Steps[id] != progress.StepCompleted {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		logs := o.Logs()

		return len(logs) == 2 &&
			logs[0] == "Executing tool: gmail_read" &&
			logs[1] == "summary sent"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_FailureStatusMarksStepsFailed(t *testing.T) {
	b := newTestBackend(t, []string{
		`{"step_type":"custom_log","message":"CHECKING FOR EMAILS"}`,
		`{"step_type":"custom_log","message":"a@example.com"}`,
		`{"step_type":"custom_log","message":"a@example.com:FAIL"}`,
	}, http.StatusOK, `{"message":{"response":"done"}}`)
	o := newTestOrchestrator(b)

	_, err := o.Run(context.Background(), "hello")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, rows, _ := o.Progress()
		if len(rows) != 1 {
			return false
		}

		for _, id := range pipeline.StepIDs() {
			if rows[0].Steps[id] != progress.StepFailed {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_ChannelErrorBeforeOpenSkipsTrigger(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logevents/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	var triggerCalls atomic.Int64
	mux.HandleFunc("/prompt-once/", func(w http.ResponseWriter, r *http.Request) {
		triggerCalls.Add(1)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	logger := testLogger()
	o := New(server.Client(), logger, classifier.New(logger), server.URL, server.URL)

	result, err := o.Run(context.Background(), "hello")

	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, PhaseSettled, o.Phase())
	assert.Zero(t, triggerCalls.Load())
}

func TestRun_TriggerFailureKeepsPartialProgress(t *testing.T) {
	b := newTestBackend(t, []string{
		`{"step_type":"custom_log","message":"CHECKING FOR EMAILS"}`,
		`{"step_type":"custom_log","message":"a@example.com"}`,
	}, http.StatusBadGateway, `upstream exploded`)
	o := newTestOrchestrator(b)

	result, err := o.Run(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrTrigger)
	assert.Nil(t, result)
	assert.Equal(t, PhaseSettled, o.Phase())

	assert.Eventually(t, func() bool {
		phase, rows, _ := o.Progress()

		return phase == progress.PhaseCompleted && len(rows) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_MalformedTriggerBodyIsFailure(t *testing.T) {
	b := newTestBackend(t, nil, http.StatusOK, `{"message":`)
	o := newTestOrchestrator(b)

	_, err := o.Run(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrTrigger)
}

func TestApply_DiscardsStaleSessionActions(t *testing.T) {
	b := newTestBackend(t, nil, http.StatusOK, `{"message":{"response":"hi"}}`)
	o := newTestOrchestrator(b)

	_, err := o.Run(context.Background(), "hello")
	require.NoError(t, err)

	o.apply(classifier.Action{
		Kind:      classifier.ActionEntityDiscovered,
		SessionID: "superseded",
		Entity:    "old@example.com",
	})

	_, rows, _ := o.Progress()
	assert.Empty(t, rows)
}

func TestRun_SecondRunMintsFreshSession(t *testing.T) {
	b := newTestBackend(t, []string{
		`{"step_type":"custom_log","message":"CHECKING FOR EMAILS"}`,
	}, http.StatusOK, `{"message":{"response":"hi"}}`)
	o := newTestOrchestrator(b)

	first, err := o.Run(context.Background(), "hello")
	require.NoError(t, err)

	second, err := o.Run(context.Background(), "hello again")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, second.SessionID, o.SessionID())
}

func TestRun_StaggeredUpdatesSettle(t *testing.T) {
	b := newTestBackend(t, []string{
		`{"step_type":"custom_log","message":"a@example.com"}`,
		`{"step_type":"custom_log","message":"a@example.com:DONE"}`,
	}, http.StatusOK, `{"message":{"response":"hi"}}`)

	logger := testLogger()
	o := New(
		b.server.Client(),
		logger,
		classifier.New(logger, classifier.WithStepDelay(20*time.Millisecond)),
		b.server.URL,
		b.server.URL,
	)

	_, err := o.Run(context.Background(), "hello")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, rows, _ := o.Progress()
		if len(rows) != 1 {
			return false
		}

		for _, id := range pipeline.StepIDs() {
			if rows[0].Steps[id] != progress.StepCompleted {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_PromptIsSentVerbatim(t *testing.T) {
	var gotQuery atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("/logevents/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("event: complete\ndata: {}\n\n"))
	})
	mux.HandleFunc("/prompt-once/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotQuery.Store(req.Query)
		_, _ = w.Write([]byte(`{"message":{"response":"ok"}}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	logger := testLogger()
	o := New(server.Client(), logger, classifier.New(logger), server.URL, server.URL)

	prompt := strings.Repeat("summarize my inbox ", 3)

	_, err := o.Run(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, prompt, gotQuery.Load())
}
