package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"runlog/pkg/eventbus"
	"runlog/pkg/events"
	"runlog/pkg/otelhelper"
	"runlog/pkg/pipeline"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) payloads() []events.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.Payload

	for _, event := range p.events {
		if logEvent, ok := event.(events.SessionLog); ok {
			out = append(out, logEvent.Payload)
		}
	}

	return out
}

func (p *recordingPublisher) completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0

	for _, event := range p.events {
		if _, ok := event.(events.SessionCompleted); ok {
			count++
		}
	}

	return count
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRun_NoEntities(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(testLogger(), pub)

	result, err := r.Run(context.Background(), "s1", "summarize my day")
	require.NoError(t, err)

	assert.Equal(t, "No mailboxes matched the prompt.", result.Response)

	payloads := pub.payloads()
	require.NotEmpty(t, payloads)
	assert.Equal(t, events.StartMarker, payloads[0].Message)
	assert.Equal(t, 1, pub.completed())
}

func TestRun_SingleEntitySuccess(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(testLogger(), pub)

	result, err := r.Run(context.Background(), "s1", "check a@example.com for invoices")
	require.NoError(t, err)
	assert.Equal(t, "Processed 1 mailbox(es).", result.Response)
	assert.Equal(t, []string{
		events.StartMarker,
		"a@example.com",
		"a@example.com:DONE",
		"Processed 1 mailbox(es).",
	}, result.Logs)

	payloads := pub.payloads()
	require.NotEmpty(t, payloads)

	// Start marker, discovery, per-step tool events, status, response.
	assert.Equal(t, events.StartMarker, payloads[0].Message)
	assert.Equal(t, "a@example.com", payloads[1].Message)

	var tools []string

	for _, p := range payloads {
		if p.StepType == events.StepTypeExecuteAction {
			tools = append(tools, p.ExecutedActionID)
		}
	}

	assert.Equal(t, pipeline.StepIDs(), tools)

	last := payloads[len(payloads)-1]
	assert.Equal(t, events.StepTypeInteractionComplete, last.StepType)
	assert.Equal(t, "Processed 1 mailbox(es).", payloads[len(payloads)-2].Response)

	var statuses []string

	for _, p := range payloads {
		if p.StepType == events.StepTypeCustomLog && p.Message == "a@example.com:DONE" {
			statuses = append(statuses, p.Message)
		}
	}

	assert.Len(t, statuses, 1)
	assert.Equal(t, 1, pub.completed())
}

func TestRun_FailedStepMarksEntityFailed(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(testLogger(), pub, WithStepFunc(func(_ context.Context, _, stepID string) error {
		if stepID == pipeline.StepSummarize {
			return errors.New("model unavailable")
		}

		return nil
	}))

	result, err := r.Run(context.Background(), "s1", "check a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Processed 0 mailbox(es), 1 failed.", result.Response)

	found := false

	for _, p := range pub.payloads() {
		if p.Message == "a@example.com:FAIL" {
			found = true
		}
	}

	assert.True(t, found)
}

func TestRun_DeduplicatesEntities(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(testLogger(), pub)

	result, err := r.Run(context.Background(), "s1", "a@example.com and A@example.com and b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Processed 2 mailbox(es).", result.Response)
}

func TestRun_TracerRecordsEntitySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	pub := &recordingPublisher{}
	r := New(testLogger(), pub, WithTracer(provider.Tracer("test")))

	_, err := r.Run(context.Background(), "s1", "check a@example.com")
	require.NoError(t, err)

	var entitySpan sdktrace.ReadOnlySpan

	for _, span := range recorder.Ended() {
		if span.Name() == "runner.process_entity" {
			entitySpan = span
		}
	}

	require.NotNil(t, entitySpan)
	assert.Contains(t, entitySpan.Attributes(), attribute.String(otelhelper.SessionIDKey, "s1"))
	assert.Contains(t, entitySpan.Attributes(), attribute.String(otelhelper.EntityKey, "a@example.com"))

	var stepIDs []string

	for _, event := range entitySpan.Events() {
		for _, attr := range event.Attributes {
			if string(attr.Key) == otelhelper.StepIDKey {
				stepIDs = append(stepIDs, attr.Value.AsString())
			}
		}
	}

	assert.Equal(t, pipeline.StepIDs(), stepIDs)
}

func TestRun_PublishFailureAbortsWithCompletion(t *testing.T) {
	pub := &failAfterPublisher{failAfter: 2}
	r := New(testLogger(), pub)

	_, err := r.Run(context.Background(), "s1", "check a@example.com")

	require.Error(t, err)
	assert.Equal(t, 1, pub.completedCount)
}

type failAfterPublisher struct {
	mu             sync.Mutex
	calls          int
	failAfter      int
	completedCount int
}

func (p *failAfterPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := event.(events.SessionCompleted); ok {
		p.completedCount++

		return nil
	}

	p.calls++
	if p.calls > p.failAfter {
		return errors.New("bus unavailable")
	}

	return nil
}
