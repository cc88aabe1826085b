package web

import (
	"bufio"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"

	"runlog/pkg/hub"
	"runlog/pkg/persistence"
	"runlog/pkg/runner"
)

type APIHandlers struct {
	logger    *slog.Logger
	runner    *runner.Runner
	hub       *hub.Hub
	store     persistence.Persistence
	validator *validator.Validate
}

func NewAPIHandlers(
	logger *slog.Logger,
	r *runner.Runner,
	h *hub.Hub,
	store persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:    logger.With("module", "web"),
		runner:    r,
		hub:       h,
		store:     store,
		validator: validator,
	}
}

// PromptOnce is the triggering request: it runs the prompt synchronously and
// responds once the run has settled. Progress is observable on the session's
// event stream while this request is in flight.
func (h *APIHandlers) PromptOnce(c fiber.Ctx) error {
	var req PromptRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, "Invalid request: "+err.Error())
	}

	startedAt := time.Now().UTC()

	result, err := h.runner.Run(c.Context(), req.SessionID, req.Query)

	record := &persistence.RunRecord{
		SessionID:  req.SessionID,
		Query:      req.Query,
		Response:   result.Response,
		Logs:       result.Logs,
		Status:     persistence.RunSucceeded,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}

	if err != nil {
		record.Status = persistence.RunFailed
		record.Error = err.Error()
	}

	if saveErr := h.store.SaveRun(c.Context(), record); saveErr != nil {
		h.logger.Error("Failed to persist run", "session_id", req.SessionID, "error", saveErr)
	}

	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(PromptResponse{Message: PromptMessage{Response: result.Response}})
}

// LogEvents serves the session's one-way event stream. The connection stays
// open until the session completes, the subscriber is superseded, or the
// client goes away.
func (h *APIHandlers) LogEvents(c fiber.Ctx) error {
	sessionID := c.Params("sessionID")
	if sessionID == "" {
		return badRequest(c, "session id is required")
	}

	frames, release := h.hub.Register(sessionID)
	logger := h.logger.With("session_id", sessionID)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.RequestCtx().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer release()

		// Push the headers out so the client observes the channel as open
		// before any event arrives.
		fmt.Fprint(w, ": connected\n\n")

		if err := w.Flush(); err != nil {
			return
		}

		logger.Debug("Event stream attached")

		for frame := range frames {
			if frame.Event != "" {
				fmt.Fprintf(w, "event: %s\n", frame.Event)
			}

			fmt.Fprintf(w, "data: %s\n\n", frame.Data)

			if err := w.Flush(); err != nil {
				logger.Debug("Event stream client went away")

				return
			}
		}

		logger.Debug("Event stream finished")
	}))

	return nil
}

// GetRuns lists recorded runs in start order.
func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	runs, err := h.store.Runs(c.Context())
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":        runs,
		"total_count": len(runs),
	})
}

// GetRun returns the record of one session.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.store.RunBySessionID(c.Context(), c.Params("sessionID"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(run)
}

// HealthCheck reports persistence health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.store.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
