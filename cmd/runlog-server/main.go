package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"runlog/pkg/cmd"
	"runlog/pkg/config"
	"runlog/pkg/hub"
	"runlog/pkg/log"
	"runlog/pkg/otelhelper"
	"runlog/pkg/persistence"
	"runlog/pkg/runner"
	"runlog/pkg/scheduler"
	"runlog/pkg/session"
)

const defaultPort = 9090

func main() {
	logger := log.WithModule("server")

	command := &cli.Command{
		Name:                  "runlog-server",
		Usage:                 "Run prompts and stream their execution logs per session",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Run store URL (file://, redis:// or postgres://)",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (memory, kafka)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "schedules-config",
				Usage:   "Path to the YAML file with scheduled prompts",
				Sources: cli.EnvVars("SCHEDULES_CONFIG"),
			},
			&cli.DurationFlag{
				Name:    "step-duration",
				Usage:   "How long each pipeline step takes per mailbox",
				Value:   0,
				Sources: cli.EnvVars("STEP_DURATION"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for runs",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing runlog API")

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			runnerOpts := []runner.Option{}

			if d := command.Duration("step-duration"); d > 0 {
				runnerOpts = append(runnerOpts, runner.WithStepFunc(func(stepCtx context.Context, _, _ string) error {
					select {
					case <-time.After(d):
						return nil
					case <-stepCtx.Done():
						return stepCtx.Err()
					}
				}))
			}

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "runlog-server")
				if err != nil {
					logger.ErrorContext(ctx, "Failed to initialize tracer", "error", err)
				} else {
					runnerOpts = append(runnerOpts, runner.WithTracer(tracer))
				}
			}

			sessionRunner := runner.New(logger, eventBus, runnerOpts...)

			streamHub := hub.New(logger)
			if err := streamHub.Attach(ctx, eventBus); err != nil {
				return err
			}

			if path := command.String("schedules-config"); path != "" {
				if err := startScheduler(ctx, logger, path, sessionRunner, store); err != nil {
					return err
				}
			}

			api := NewAPI(
				logger,
				store,
				sessionRunner,
				streamHub,
			)

			err := api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

// startScheduler loads the schedule file and fires prompts on their cron
// expressions. Scheduled runs get fresh session ids and are recorded in the
// run store like interactive ones.
func startScheduler(ctx context.Context, logger *slog.Logger, path string, r *runner.Runner, store persistence.Persistence) error {
	schedules := config.LoadSchedulesOrDefault(path)

	sched := scheduler.New(logger, func(runCtx context.Context, name, prompt string) error {
		sessionID := session.NewID()
		runLogger := log.WithSession("scheduler", sessionID)
		startedAt := time.Now().UTC()

		runLogger.InfoContext(runCtx, "Starting scheduled run", "schedule", name)

		result, err := r.Run(runCtx, sessionID, prompt)

		record := &persistence.RunRecord{
			SessionID:  sessionID,
			Query:      prompt,
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

		if saveErr := store.SaveRun(runCtx, record); saveErr != nil {
			runLogger.ErrorContext(runCtx, "Failed to persist scheduled run", "schedule", name, "error", saveErr)
		}

		return err
	})

	for _, schedule := range schedules.Schedules {
		if err := sched.Add(schedule); err != nil {
			return err
		}
	}

	sched.Start()

	go func() {
		<-ctx.Done()

		if err := sched.Stop(context.Background()); err != nil {
			logger.Error("Failed to stop scheduler", "error", err)
		}
	}()

	return nil
}
