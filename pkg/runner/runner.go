// Package runner executes one prompt run on the server side: it scans the
// prompt for mail entities, drives each one through the step pipeline, and
// publishes every lifecycle event on the bus for the session's stream.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"runlog/pkg/eventbus"
	"runlog/pkg/events"
	"runlog/pkg/otelhelper"
	"runlog/pkg/pipeline"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// StepFunc performs the work of one pipeline step for one entity. A non-nil
// error marks the whole entity as failed.
type StepFunc func(ctx context.Context, entity, stepID string) error

// Result is the outcome of one finished run: the response text handed back by
// the trigger endpoint and the log lines that were streamed on the way.
type Result struct {
	Response string
	Logs     []string
}

// Runner owns server-side prompt execution for sessions.
type Runner struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	step      StepFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithStepFunc replaces the per-step work. The default performs no work and
// always succeeds.
func WithStepFunc(step StepFunc) Option {
	return func(r *Runner) {
		r.step = step
	}
}

// WithTracer enables span creation around runs.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

func New(logger *slog.Logger, publisher eventbus.EventPublisher, opts ...Option) *Runner {
	r := &Runner{
		logger:    logger.With("module", "runner"),
		publisher: publisher,
		step: func(_ context.Context, _, _ string) error {
			return nil
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes the prompt for one session. Every observable step is published
// on the bus before Run returns; the completion event is always the last one
// out.
func (r *Runner) Run(ctx context.Context, sessionID, query string) (Result, error) {
	logger := r.logger.With("session_id", sessionID)

	var result Result

	var span trace.Span
	if r.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "runner.run",
			attribute.String(otelhelper.SessionIDKey, sessionID),
		)
		defer span.End()
	}

	logger.Info("Starting prompt run", "query_len", len(query))

	if err := r.publishLog(ctx, sessionID, events.Payload{
		StepType: events.StepTypeCustomLog,
		Message:  events.StartMarker,
	}); err != nil {
		return result, r.abort(ctx, span, sessionID, err)
	}

	result.Logs = append(result.Logs, events.StartMarker)

	entities := discoverEntities(query)
	logger.Info("Entity scan finished", "entities", len(entities))

	processed := 0
	failed := 0

	for _, entity := range entities {
		if err := r.publishLog(ctx, sessionID, events.Payload{
			StepType: events.StepTypeCustomLog,
			Message:  entity,
		}); err != nil {
			return result, r.abort(ctx, span, sessionID, err)
		}

		result.Logs = append(result.Logs, entity)

		status := events.SuccessToken

		if err := r.processEntity(ctx, sessionID, entity); err != nil {
			logger.Warn("Entity pipeline failed", "entity", entity, "error", err)

			status = "FAIL"
			failed++
		} else {
			processed++
		}

		if err := r.publishLog(ctx, sessionID, events.Payload{
			StepType: events.StepTypeCustomLog,
			Message:  entity + ":" + status,
		}); err != nil {
			return result, r.abort(ctx, span, sessionID, err)
		}

		result.Logs = append(result.Logs, entity+":"+status)
	}

	result.Response = buildResponse(len(entities), processed, failed)
	result.Logs = append(result.Logs, result.Response)

	if err := r.publishLog(ctx, sessionID, events.Payload{Response: result.Response}); err != nil {
		return result, r.abort(ctx, span, sessionID, err)
	}

	if err := r.publishLog(ctx, sessionID, events.Payload{
		StepType: events.StepTypeInteractionComplete,
	}); err != nil {
		return result, r.abort(ctx, span, sessionID, err)
	}

	if err := r.publisher.Publish(ctx, sessionID, events.NewSessionCompleted(sessionID, "run finished")); err != nil {
		return result, r.abort(ctx, span, sessionID, err)
	}

	logger.Info("Prompt run finished", "processed", processed, "failed", failed)

	return result, nil
}

// processEntity walks the step catalog in order, reporting each tool
// execution on the stream.
func (r *Runner) processEntity(ctx context.Context, sessionID, entity string) error {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "runner.process_entity",
			attribute.String(otelhelper.SessionIDKey, sessionID),
			attribute.String(otelhelper.EntityKey, entity),
		)
		defer span.End()
	}

	for _, step := range pipeline.Steps() {
		if span != nil {
			span.AddEvent("execute_action", trace.WithAttributes(
				attribute.String(otelhelper.StepIDKey, step.ID),
			))
		}

		if err := r.publishLog(ctx, sessionID, events.Payload{
			StepType:         events.StepTypeExecuteAction,
			ExecutedActionID: step.ID,
		}); err != nil {
			return err
		}

		if err := r.step(ctx, entity, step.ID); err != nil {
			err = fmt.Errorf("step %s: %w", step.ID, err)

			if span != nil {
				otelhelper.SetError(span, err, attribute.String(otelhelper.StepIDKey, step.ID))
			}

			return err
		}
	}

	return nil
}

func (r *Runner) publishLog(ctx context.Context, sessionID string, payload events.Payload) error {
	return r.publisher.Publish(ctx, sessionID, events.NewSessionLog(sessionID, payload))
}

// abort closes the stream before surfacing the error so a connected client
// is not left hanging on a dead session.
func (r *Runner) abort(ctx context.Context, span trace.Span, sessionID string, err error) error {
	if span != nil {
		otelhelper.SetError(span, err)
	}

	_ = r.publisher.Publish(ctx, sessionID, events.NewSessionCompleted(sessionID, "run aborted"))

	return fmt.Errorf("run session %s: %w", sessionID, err)
}

func discoverEntities(query string) []string {
	matches := emailPattern.FindAllString(query, -1)

	seen := make(map[string]struct{}, len(matches))
	entities := make([]string, 0, len(matches))

	for _, match := range matches {
		key := strings.ToLower(match)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		entities = append(entities, match)
	}

	return entities
}

func buildResponse(total, processed, failed int) string {
	if total == 0 {
		return "No mailboxes matched the prompt."
	}

	if failed == 0 {
		return fmt.Sprintf("Processed %d mailbox(es).", processed)
	}

	return fmt.Sprintf("Processed %d mailbox(es), %d failed.", processed, failed)
}
