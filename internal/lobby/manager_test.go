package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/tags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsExistingLobby(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	created, err := m.CreateLobby(ctx, CreateLobbySpec{
		Region:     "test",
		Tags:       tags.Tags{"mode": "ffa"},
		MaxPlayers: 4,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, 4, created.MaxPlayersDirect)

	found, wasCreated, err := m.GetOrCreateForTags(ctx, tags.Tags{"mode": "ffa"}, &CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	assert.False(t, wasCreated)
	assert.Equal(t, created.ID, found.ID)
	assert.Empty(t, found.Token, "lobby token must not leak to other callers")
	assert.Len(t, snapshot(t, m).Lobbies, 1)
}

func TestUnreadyLobbyExpiresOnGCTimer(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.UnreadyExpireAfter = 1000 * time.Millisecond
	cfg.GCInterval = 500 * time.Millisecond
	m, fc := newTestManager(t, cfg, backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", Tags: tags.Tags{"mode": "ffa"}})
	require.NoError(t, err)

	fc.Advance(1001 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := m.LobbyDestroyMeta(ctx, l.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err = m.AdminGetLobby(ctx, testAdminToken, l.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	meta, err := m.LobbyDestroyMeta(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonUnreadyExpired, meta.Reason)
	assert.Equal(t, stamp(testEpoch.Add(1001*time.Millisecond)), meta.DestroyedAt)
}

func TestJoinCapacityAndEmptyTracking(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", MaxPlayers: 4})
	require.NoError(t, err)

	var players []*Player
	for i := 0; i < 4; i++ {
		p, err := m.JoinLobby(ctx, l.ID, PlayerSpec{})
		require.NoError(t, err)
		players = append(players, p)
	}
	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{})
	assert.ErrorIs(t, err, ErrLobbyFull)

	require.NoError(t, m.RemovePlayer(ctx, players[0].ID))
	got := snapshot(t, m).Lobbies[l.ID]
	assert.Len(t, got.Players, 3)
	assert.Nil(t, got.EmptyAt)

	fc.Advance(time.Second)
	for _, p := range players[1:] {
		require.NoError(t, m.RemovePlayer(ctx, p.ID))
	}
	got = snapshot(t, m).Lobbies[l.ID]
	assert.Empty(t, got.Players)
	require.NotNil(t, got.EmptyAt)
	assert.Equal(t, stamp(fc.Now()), *got.EmptyAt)

	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)
	assert.Nil(t, snapshot(t, m).Lobbies[l.ID].EmptyAt, "joining clears emptyAt")
}

func TestTestBackendLobbyNeedsNoPolling(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", Backend: &BackendSpec{Test: &TestBackend{}}})
	require.NoError(t, err)
	assert.Equal(t, BackendTest, l.Backend.Kind())

	require.NoError(t, m.ReconcileServers(ctx))
	assert.Empty(t, snapshot(t, m).Servers)

	require.NoError(t, m.SetLobbyReady(ctx, l.Token))
	assert.NotNil(t, snapshot(t, m).Lobbies[l.ID].ReadyAt)
}

func TestConcurrentGetOrCreateCreatesOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	const callers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query := tags.Tags{"mode": "ffa", "map": "dust"}
			l, wasCreated, err := m.GetOrCreateForTags(ctx, query, &CreateLobbySpec{Region: "test"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[l.ID]++
			if wasCreated {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Len(t, snapshot(t, m).Lobbies, 1)
}

func TestLobbyFullLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", MaxPlayers: 1})
	require.NoError(t, err)
	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)

	before := snapshot(t, m)
	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{RemoteAddress: "10.0.0.1"})
	require.ErrorIs(t, err, ErrLobbyFull)
	assert.Equal(t, before, snapshot(t, m))
}

func TestDirectJoinLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", MaxPlayers: 4, MaxPlayersDirect: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := m.JoinLobby(ctx, l.ID, PlayerSpec{Direct: true})
		require.NoError(t, err)
	}
	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{Direct: true})
	assert.ErrorIs(t, err, ErrLobbyFull)

	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{})
	assert.NoError(t, err, "matched joins are only bound by maxPlayers")
}

func TestSetLobbyReadyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)

	require.NoError(t, m.SetLobbyReady(ctx, l.Token))
	first := snapshot(t, m).Lobbies[l.ID].ReadyAt
	require.NotNil(t, first)

	fc.Advance(10 * time.Second)
	require.NoError(t, m.SetLobbyReady(ctx, l.Token))
	assert.Equal(t, *first, *snapshot(t, m).Lobbies[l.ID].ReadyAt)

	assert.ErrorIs(t, m.SetLobbyReady(ctx, "not-a-token"), ErrInvalidToken)
	assert.ErrorIs(t, m.SetLobbyReady(ctx, ""), ErrInvalidToken)
}

func TestDestroyLobbyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)

	require.NoError(t, m.DestroyLobby(ctx, l.ID, "closed by host"))
	once := snapshot(t, m)

	fc.Advance(time.Second)
	require.NoError(t, m.DestroyLobby(ctx, l.ID, "something else"))
	assert.Equal(t, once, snapshot(t, m))
	assert.Equal(t, "closed by host", once.LobbyDestroyMeta[l.ID].Reason)

	assert.ErrorIs(t, m.DestroyLobby(ctx, "never-existed", ""), ErrNotFound)
}

func TestOperationsOnDestroyedLobbyReportCause(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	p, err := m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)
	require.NoError(t, m.DestroyLobby(ctx, l.ID, "match finished"))

	_, err = m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.ErrorIs(t, err, ErrAlreadyDestroyed)
	var destroyed *DestroyedError
	require.True(t, errors.As(err, &destroyed))
	assert.Equal(t, "match finished", destroyed.Meta.Reason)

	assert.ErrorIs(t, m.SetLobbyReady(ctx, l.Token), ErrAlreadyDestroyed)
	assert.ErrorIs(t, m.MarkPlayerConnected(ctx, p.Token), ErrInvalidToken)
	assert.ErrorIs(t, m.RemovePlayer(ctx, p.ID), ErrNotFound)
}

func TestMarkPlayerConnectedSetsOnce(t *testing.T) {
	ctx := context.Background()
	m, fc := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	p, err := m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)

	fc.Advance(time.Second)
	require.NoError(t, m.MarkPlayerConnected(ctx, p.Token))
	fc.Advance(time.Second)
	require.NoError(t, m.MarkPlayerConnected(ctx, p.Token))

	got := snapshot(t, m).Lobbies[l.ID].Players[p.ID]
	require.NotNil(t, got.ConnectedAt)
	assert.Equal(t, stamp(testEpoch.Add(time.Second)), *got.ConnectedAt)
	assert.GreaterOrEqual(t, int64(*got.ConnectedAt), int64(got.CreatedAt))

	assert.ErrorIs(t, m.MarkPlayerConnected(ctx, "bogus"), ErrInvalidToken)
}

func TestLeavePlayerByToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	p, err := m.JoinLobby(ctx, l.ID, PlayerSpec{})
	require.NoError(t, err)

	require.NoError(t, m.LeavePlayer(ctx, p.Token))
	assert.ErrorIs(t, m.LeavePlayer(ctx, p.Token), ErrInvalidToken)
	assert.NotNil(t, snapshot(t, m).Lobbies[l.ID].EmptyAt)
}

func TestCreateLobbyValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	cases := []struct {
		name string
		spec CreateLobbySpec
		want error
	}{
		{"unknown region", CreateLobbySpec{Region: "mars"}, ErrRegionUnavailable},
		{"direct above max", CreateLobbySpec{Region: "test", MaxPlayers: 2, MaxPlayersDirect: 3}, ErrValidation},
		{"negative max", CreateLobbySpec{Region: "test", MaxPlayers: -1}, ErrValidation},
		{"negative direct", CreateLobbySpec{Region: "test", MaxPlayersDirect: -1}, ErrValidation},
		{"empty tag key", CreateLobbySpec{Region: "test", Tags: tags.Tags{"": "x"}}, ErrValidation},
		{"ambiguous backend", CreateLobbySpec{Region: "test", Backend: &BackendSpec{
			Test:   &TestBackend{},
			Server: &ServerSpec{},
		}}, ErrValidation},
		{"empty backend", CreateLobbySpec{Region: "test", Backend: &BackendSpec{}}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.CreateLobby(ctx, tc.spec)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, snapshot(t, m).Lobbies)
}

func TestGetOrCreateWithoutCreateSpec(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	_, _, err := m.GetOrCreateForTags(ctx, tags.Tags{"mode": "ffa"}, nil)
	assert.ErrorIs(t, err, ErrNotFoundAndCreationDisabled)
}

func TestTagMatchingIsExact(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	_, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", Tags: tags.Tags{"mode": "ffa", "map": "dust"}})
	require.NoError(t, err)

	_, _, err = m.GetOrCreateForTags(ctx, tags.Tags{"mode": "ffa"}, nil)
	assert.ErrorIs(t, err, ErrNotFoundAndCreationDisabled, "a subset of tags must not match")

	l, created, err := m.GetOrCreateForTags(ctx, tags.Tags{"mode": "ffa"}, &CreateLobbySpec{Region: "eu"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, tags.Tags{"mode": "ffa"}, l.Tags)
	assert.Len(t, snapshot(t, m).Lobbies, 2)
}

func TestGetOrCreateIgnoresDestroyedLobbies(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	first, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test", Tags: tags.Tags{"mode": "ffa"}})
	require.NoError(t, err)
	require.NoError(t, m.DestroyLobby(ctx, first.ID, ""))

	second, created, err := m.GetOrCreateForTags(ctx, tags.Tags{"mode": "ffa"}, &CreateLobbySpec{Region: "test"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAdminOperationsRequireToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig(), backend.NewTest())

	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "test"})
	require.NoError(t, err)

	_, err = m.AdminGetLobby(ctx, "wrong", l.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = m.AdminListLobbies(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, m.AdminDestroyLobby(ctx, "wrong", l.ID, ""), ErrUnauthorized)

	got, err := m.AdminGetLobby(ctx, testAdminToken, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Token, got.Token)

	list, err := m.AdminListLobbies(ctx, testAdminToken)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, m.AdminDestroyLobby(ctx, testAdminToken, l.ID, "kicked by admin"))
	meta, err := m.LobbyDestroyMeta(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "kicked by admin", meta.Reason)
}

func TestAdminDisabledWithoutConfiguredToken(t *testing.T) {
	cfg := testConfig()
	cfg.AdminToken = ""
	m, _ := newTestManager(t, cfg, backend.NewTest())

	_, err := m.AdminListLobbies(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDestroyPublishesEvent(t *testing.T) {
	ctx := context.Background()
	sink := &mockSink{}
	events := make(chan DestroyEvent, 1)
	sink.On("PublishDestroy", mock.Anything, mock.AnythingOfType("DestroyEvent")).
		Run(func(args mock.Arguments) { events <- args.Get(1).(DestroyEvent) }).
		Return(nil)

	m, fc := newTestManager(t, testConfig(), backend.NewTest(), WithEventSink(sink))
	l, err := m.CreateLobby(ctx, CreateLobbySpec{Region: "eu", Tags: tags.Tags{"mode": "duel"}})
	require.NoError(t, err)
	require.NoError(t, m.DestroyLobby(ctx, l.ID, "done"))

	select {
	case ev := <-events:
		assert.Equal(t, "manager-under-test", ev.ManagerID)
		assert.Equal(t, l.ID, ev.LobbyID)
		assert.Equal(t, "eu", ev.Region)
		assert.Equal(t, "done", ev.Reason)
		assert.Equal(t, map[string]string{"mode": "duel"}, ev.Tags)
		assert.Equal(t, fc.Now().UnixMilli(), ev.DestroyedAt)
	case <-time.After(time.Second):
		t.Fatal("destroy event was not published")
	}
}

func TestClosedManagerRejectsCalls(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), backend.NewTest())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.CreateLobby(context.Background(), CreateLobbySpec{Region: "test"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}
