// Package persistence stores the record of finished runs.
package persistence

import (
	"context"
	"time"
)

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the durable trace of one session.
type RunRecord struct {
	SessionID  string    `json:"session_id"`
	Query      string    `json:"query"`
	Response   string    `json:"response,omitempty"`
	Logs       []string  `json:"logs,omitempty"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Persistence interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	RunBySessionID(ctx context.Context, sessionID string) (*RunRecord, error)
	Runs(ctx context.Context) ([]*RunRecord, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
