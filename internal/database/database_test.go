package database

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := ConnectDB(ctx, url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func TestSnapshotStoreUpsert(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewSnapshotStore(pool)
	managerID := "test-" + uuid.NewString()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM lobby_manager_snapshots WHERE manager_id = $1`, managerID)
	})

	_, err := store.Load(ctx, managerID)
	assert.ErrorIs(t, err, lobby.ErrNoSnapshot)

	require.NoError(t, store.Save(ctx, managerID, []byte(`{"version":1,"lobbies":{}}`)))
	require.NoError(t, store.Save(ctx, managerID, []byte(`{"version":1,"lobbies":{"a":null}}`)))

	data, err := store.Load(ctx, managerID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"lobbies":{"a":null}}`, string(data))
}

func TestInsertDestroyEvents(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	managerID := "test-" + uuid.NewString()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM lobby_destroy_log WHERE manager_id = $1`, managerID)
	})

	require.NoError(t, InsertDestroyEvents(ctx, pool, nil))
	require.NoError(t, InsertDestroyEvents(ctx, pool, []lobby.DestroyEvent{
		{ManagerID: managerID, LobbyID: "l1", Region: "eu", Tags: map[string]string{"mode": "duel"}, DestroyedAt: 1_700_000_000_000, Reason: "unready expired"},
		{ManagerID: managerID, LobbyID: "l2", Region: "eu", DestroyedAt: 1_700_000_001_000},
	}))

	entries, err := listDestroyLog(ctx, pool, managerID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "l1", entries[0].LobbyID)
	assert.Equal(t, "unready expired", entries[0].Reason)
	assert.Equal(t, int64(1_700_000_000_000), entries[0].DestroyedAt.UnixMilli())
	assert.Equal(t, "l2", entries[1].LobbyID)
}
