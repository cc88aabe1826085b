//go:build integration
// +build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"runlog/pkg/persistence"
)

func setupRedis(t *testing.T) *Persistence {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	rp, err := NewPersistence(url)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rp.Close(context.Background())
	})

	return rp
}

func TestRedisPersistence_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	rp := setupRedis(t)

	run := &persistence.RunRecord{
		SessionID:  "abc123",
		Query:      "summarize a@example.com",
		Response:   "Processed 1 mailbox(es).",
		Status:     persistence.RunSucceeded,
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
		FinishedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	require.NoError(t, rp.SaveRun(ctx, run))

	loaded, err := rp.RunBySessionID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, run, loaded)
}

func TestRedisPersistence_NotFound(t *testing.T) {
	rp := setupRedis(t)

	_, err := rp.RunBySessionID(context.Background(), "missing")

	assert.True(t, persistence.IsRunNotFound(err))
}

func TestRedisPersistence_RunsOrdered(t *testing.T) {
	ctx := context.Background()
	rp := setupRedis(t)

	now := time.Now().UTC()

	require.NoError(t, rp.SaveRun(ctx, &persistence.RunRecord{
		SessionID: "later",
		Status:    persistence.RunSucceeded,
		StartedAt: now,
	}))
	require.NoError(t, rp.SaveRun(ctx, &persistence.RunRecord{
		SessionID: "earlier",
		Status:    persistence.RunFailed,
		StartedAt: now.Add(-time.Hour),
	}))

	runs, err := rp.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "earlier", runs[0].SessionID)
	assert.Equal(t, "later", runs[1].SessionID)
}

func TestRedisPersistence_HealthCheck(t *testing.T) {
	rp := setupRedis(t)

	assert.NoError(t, rp.HealthCheck(context.Background()))
}
