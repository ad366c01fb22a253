package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"production-planner/internal/store"
)

func TestHousekeeperRejectsBadCron(t *testing.T) {
	_, err := NewHousekeeper(nil, "every tuesday")
	assert.Error(t, err)
}

func TestHousekeeperPurgesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.RunMigrations(ctx))

	_, _, err = repo.CreateRun(ctx, store.CreateRunParams{Kind: "allocate_quantity", IdempotencyKey: "k1", IdempotencyTTL: time.Minute})
	require.NoError(t, err)

	h, err := NewHousekeeper(repo, "*/15 * * * *")
	require.NoError(t, err)

	h.Sweep(ctx)
	_, found, err := repo.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)

	h.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.Sweep(ctx)
	_, found, err = repo.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	runCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, h.Start(runCtx))
	cancel()
}
