package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postgresIntegrationRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("REPLICATOR_TEST_POSTGRES_URL"))
	if dsn == "" {
		t.Skip("set REPLICATOR_TEST_POSTGRES_URL to run postgres integration tests")
	}
	repo, err := NewRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo
}

func TestPostgresIntegrationInsertAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	repo := postgresIntegrationRepository(t)

	// Unique per run so repeated runs against one database do not collide.
	fid := time.Now().UnixNano()
	msg := castAdd(fid, 1, "integration")
	msg.Hash = []byte(time.Now().Format(time.RFC3339Nano))
	t.Cleanup(func() {
		_, _ = repo.db.Exec(`DELETE FROM casts WHERE fid = $1`, fid)
		_, _ = repo.db.Exec(`DELETE FROM user_data WHERE fid = $1`, fid)
		_, _ = repo.db.Exec(`DELETE FROM latest_fid_pulls WHERE fid = $1`, fid)
	})

	n, err := repo.InsertCasts(ctx, []*domain.Message{msg, msg})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.ApplyCastRemovals(ctx, []domain.Removal{castRemove(fid, msg.Hash, baseTime.Add(time.Hour))})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.UpsertUserData(ctx, []*domain.Message{
		userData(fid, 1, 2, "first", baseTime),
		userData(fid, 2, 2, "second", baseTime.Add(time.Second)),
	})
	require.NoError(t, err)

	var value string
	require.NoError(t, repo.db.QueryRow(`SELECT value FROM user_data WHERE fid = $1 AND type = 2`, fid).Scan(&value))
	assert.Equal(t, "second", value)

	require.NoError(t, repo.UpsertLatestFidPull(ctx, fid, baseTime))
	got, ok, err := repo.GetLatestFidPull(ctx, fid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(baseTime))
}
