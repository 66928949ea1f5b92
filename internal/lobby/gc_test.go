package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCRemovesOnlyUnconnectedPlayers(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	require.NoError(t, m.SetLobbyReady(ctx, l.Token))

	stale, err := m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)
	connected, err := m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)
	require.NoError(t, m.MarkPlayerConnected(ctx, connected.Token))

	fc.Advance(29 * time.Second)
	require.NoError(t, m.CollectGarbage(ctx))
	assert.Len(t, snapshot(t, m).Lobbies[l.ID].Players, 2, "still inside the grace period")

	fc.Advance(2 * time.Second)
	require.NoError(t, m.CollectGarbage(ctx))
	got := snapshot(t, m).Lobbies[l.ID]
	require.Len(t, got.Players, 1)
	assert.Contains(t, got.Players, connected.ID)
	assert.NotContains(t, got.Players, stale.ID)
	assert.Nil(t, got.EmptyAt)
}

func TestGCLastPlayerExpiryMarksLobbyEmpty(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	require.NoError(t, m.SetLobbyReady(ctx, l.Token))
	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)

	fc.Advance(31 * time.Second)
	require.NoError(t, m.CollectGarbage(ctx))

	got := snapshot(t, m).Lobbies[l.ID]
	require.NotNil(t, got, "empty expiry is disabled by default")
	require.NotNil(t, got.EmptyAt)
	assert.Equal(t, stamp(fc.Now()), *got.EmptyAt)
}

func TestGCEmptyExpiry(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.EmptyExpireAfter = 2 * time.Second
	m, fc := newTestManager(t, cfg, backend.NewTest())

	ready, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	require.NoError(t, m.SetLobbyReady(ctx, ready.Token))
	p, err := m.JoinLobby(ctx, ready.ID, PlayerSpec{})
	require.NoError(t, err)
	require.NoError(t, m.MarkPlayerConnected(ctx, p.Token))

	// Never emptied: emptyAt stays unset and GC must leave it alone.
	occupied, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	require.NoError(t, m.SetLobbyReady(ctx, occupied.Token))
	q, err := m.JoinLobby(ctx, occupied.ID, PlayerSpec{})
	require.NoError(t, err)
	require.NoError(t, m.MarkPlayerConnected(ctx, q.Token))

	require.NoError(t, m.RemovePlayer(ctx, p.ID))

	fc.Advance(2 * time.Second)
	require.NoError(t, m.CollectGarbage(ctx))
	assert.Contains(t, snapshot(t, m).Lobbies, ready.ID, "expiry needs strictly more than the grace period")

	fc.Advance(time.Millisecond)
	require.NoError(t, m.CollectGarbage(ctx))

	s := snapshot(t, m)
	assert.NotContains(t, s.Lobbies, ready.ID)
	assert.Equal(t, ReasonEmptyExpired, s.LobbyDestroyMeta[ready.ID].Reason)
	assert.Contains(t, s.Lobbies, occupied.ID)
}

func TestGCUpdatesLastGcAt(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	fc.Advance(7 * time.Second)
	require.NoError(t, m.CollectGarbage(ctx))
	assert.Equal(t, stamp(fc.Now()), snapshot(t, m).LastGcAt)
}
