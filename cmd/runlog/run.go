package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	cli "github.com/urfave/cli/v3"

	"runlog/pkg/classifier"
	"runlog/pkg/log"
	"runlog/pkg/orchestrator"
	"runlog/pkg/pipeline"
	"runlog/pkg/progress"
)

func runPrompt(ctx context.Context, command *cli.Command) error {
	prompt := strings.TrimSpace(strings.Join(command.Args().Slice(), " "))
	if prompt == "" {
		return errors.New("a prompt is required")
	}

	if timeout := command.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := log.WithModule("cli")
	serverURL := strings.TrimRight(command.String("server-url"), "/")

	opts := []classifier.Option{}
	if d := command.Duration("step-delay"); d > 0 {
		opts = append(opts, classifier.WithStepDelay(d))
	}

	o := orchestrator.New(
		&http.Client{},
		logger,
		classifier.New(logger, opts...),
		serverURL,
		serverURL,
	)
	defer o.Close()

	result, err := o.Run(ctx, prompt)
	if err != nil {
		return err
	}

	renderRun(o, result)

	return nil
}

func renderRun(o *orchestrator.Orchestrator, result *orchestrator.Result) {
	fmt.Printf("session %s\n\n", result.SessionID)

	for _, line := range o.Logs() {
		fmt.Println(line)
	}

	_, rows, _ := o.Progress()

	if len(rows) > 0 {
		fmt.Println()

		for _, row := range rows {
			marks := make([]string, 0, len(pipeline.Steps()))
			for _, step := range pipeline.Steps() {
				marks = append(marks, step.ID+"="+statusMark(row.Steps[step.ID]))
			}

			fmt.Printf("  %-40s %s\n", row.Entity, strings.Join(marks, " "))
		}
	}

	fmt.Printf("\n%s\n", result.Response)
}

func statusMark(status progress.StepStatus) string {
	switch status {
	case progress.StepCompleted:
		return "ok"
	case progress.StepFailed:
		return "fail"
	case progress.StepLoading:
		return "..."
	default:
		return "-"
	}
}
