// Package postgresql provides run persistence on PostgreSQL.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"runlog/pkg/persistence"
)

type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	p := &Persistence{db: db, logger: logger.With("module", "postgresql")}

	if err := p.migrate(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Persistence) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			session_id  TEXT PRIMARY KEY,
			query       TEXT NOT NULL,
			response    TEXT NOT NULL DEFAULT '',
			logs        TEXT[] NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)
	`

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	return nil
}

func (p *Persistence) SaveRun(ctx context.Context, run *persistence.RunRecord) error {
	query := `
		INSERT INTO runs (session_id, query, response, logs, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			query = EXCLUDED.query,
			response = EXCLUDED.response,
			logs = EXCLUDED.logs,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err := p.db.ExecContext(ctx, query,
		run.SessionID, run.Query, run.Response, pq.Array(run.Logs), string(run.Status), run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", run.SessionID, err)
	}

	return nil
}

func (p *Persistence) RunBySessionID(ctx context.Context, sessionID string) (*persistence.RunRecord, error) {
	query := `
		SELECT session_id, query, response, logs, status, error, started_at, finished_at
		FROM runs
		WHERE session_id = $1
	`

	run, err := scanRun(p.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", sessionID, err)
	}

	return run, nil
}

func (p *Persistence) Runs(ctx context.Context) ([]*persistence.RunRecord, error) {
	query := `
		SELECT session_id, query, response, logs, status, error, started_at, finished_at
		FROM runs
		ORDER BY started_at
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			p.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var runs []*persistence.RunRecord

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Persistence) Close(_ context.Context) error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*persistence.RunRecord, error) {
	var (
		run    persistence.RunRecord
		status string
	)

	err := row.Scan(&run.SessionID, &run.Query, &run.Response, pq.Array(&run.Logs), &status, &run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}

	run.Status = persistence.RunStatus(status)

	return &run, nil
}
