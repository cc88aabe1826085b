// Package scheduler drives cron-based prompt runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"runlog/pkg/config"
)

// RunFunc starts one prompt run. The scheduler never inspects the outcome;
// failed runs are logged and the schedule keeps firing.
type RunFunc func(ctx context.Context, name, prompt string) error

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	run    RunFunc
}

func New(logger *slog.Logger, run RunFunc) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With("module", "scheduler"),
		run:    run,
	}
}

// Add registers one schedule. The cron expression is validated before the
// entry is accepted.
func (s *Scheduler) Add(schedule config.Schedule) error {
	if schedule.Name == "" {
		return errors.New("schedule name is required")
	}

	if schedule.Prompt == "" {
		return errors.New("schedule prompt is required")
	}

	if _, err := cron.ParseStandard(schedule.Cron); err != nil {
		return fmt.Errorf("invalid cron expression for schedule %s: %w", schedule.Name, err)
	}

	logger := s.logger.With("schedule", schedule.Name, "cron", schedule.Cron)

	_, err := s.cron.AddFunc(schedule.Cron, func() {
		logger.Info("Schedule fired")

		if err := s.run(context.Background(), schedule.Name, schedule.Prompt); err != nil {
			logger.Error("Scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register schedule %s: %w", schedule.Name, err)
	}

	logger.Info("Schedule registered")

	return nil
}

// Start begins firing schedules in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
