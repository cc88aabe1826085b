// Package main provides the runlog command line client.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"runlog/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "runlog",
		Usage:                 "Run a prompt against a runlog server and follow its execution log",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "Run one prompt and stream its progress",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "server-url",
						Aliases: []string{"s"},
						Usage:   "Base URL of the runlog server",
						Value:   "http://localhost:9090",
						Sources: cli.EnvVars("RUNLOG_SERVER_URL"),
					},
					&cli.DurationFlag{
						Name:    "step-delay",
						Usage:   "Stagger between rendered step updates of one status event",
						Value:   0,
						Sources: cli.EnvVars("RUNLOG_STEP_DELAY"),
					},
					&cli.DurationFlag{
						Name:    "timeout",
						Usage:   "Give up on the run after this long",
						Value:   0,
						Sources: cli.EnvVars("RUNLOG_TIMEOUT"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Value:   "warn",
						Sources: cli.EnvVars("LOG_LEVEL"),
					},
				},
				ArgsUsage: "<prompt>",
				Action: func(ctx context.Context, command *cli.Command) error {
					log.Setup(command.String("log-level"))

					return runPrompt(ctx, command)
				},
			},
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("cli").Error("Command failed", "error", err)
		os.Exit(1)
	}
}
