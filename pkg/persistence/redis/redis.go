// Package redis provides run persistence backed by Redis, for deployments
// where several server instances share one run history.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"runlog/pkg/persistence"
)

const (
	runKeyPrefix = "runlog:runs:"
	runIndexKey  = "runlog:runs:index"
)

type Persistence struct {
	client redis.UniversalClient
}

// NewPersistence connects to the Redis instance at url
// (redis://[user:pass@]host:port/db).
func NewPersistence(url string) (*Persistence, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &Persistence{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client redis.UniversalClient) *Persistence {
	return &Persistence{client: client}
}

func (rp *Persistence) SaveRun(ctx context.Context, run *persistence.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to serialize run %s: %w", run.SessionID, err)
	}

	pipe := rp.client.TxPipeline()
	pipe.Set(ctx, runKeyPrefix+run.SessionID, data, 0)
	pipe.ZAdd(ctx, runIndexKey, redis.Z{
		Score:  float64(run.StartedAt.UnixMilli()),
		Member: run.SessionID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store run %s: %w", run.SessionID, err)
	}

	return nil
}

func (rp *Persistence) RunBySessionID(ctx context.Context, sessionID string) (*persistence.RunRecord, error) {
	data, err := rp.client.Get(ctx, runKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, persistence.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", sessionID, err)
	}

	var run persistence.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", sessionID, err)
	}

	return &run, nil
}

func (rp *Persistence) Runs(ctx context.Context) ([]*persistence.RunRecord, error) {
	sessionIDs, err := rp.client.ZRange(ctx, runIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*persistence.RunRecord, 0, len(sessionIDs))

	for _, sessionID := range sessionIDs {
		run, err := rp.RunBySessionID(ctx, sessionID)
		if persistence.IsRunNotFound(err) {
			// Index entry outlived its record; skip it.
			continue
		}

		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (rp *Persistence) HealthCheck(ctx context.Context) error {
	return rp.client.Ping(ctx).Err()
}

func (rp *Persistence) Close(_ context.Context) error {
	return rp.client.Close()
}

// IsRedisURL reports whether a database url selects this backend.
func IsRedisURL(url string) bool {
	return strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://")
}
