package lobby

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

const testAdminToken = "admin-secret"

// testConfig keeps both timers far in the future so tests drive GC and
// reconciliation explicitly unless they shorten an interval on purpose.
func testConfig() Config {
	return Config{
		ManagerID:              "manager-under-test",
		Regions:                []string{"test", "eu"},
		MaxPlayers:             8,
		AdminToken:             testAdminToken,
		UnreadyExpireAfter:     time.Minute,
		UnconnectedExpireAfter: 30 * time.Second,
		ProvisioningTimeout:    time.Minute,
		GCInterval:             time.Hour,
		ServerPollInterval:     time.Hour,
		ServerPollConcurrency:  4,
		BackendCallTimeout:     time.Second,
		DefaultPorts: map[string]backend.Port{
			"game": {Protocol: backend.ProtocolUDP, InternalPort: 7777, Routing: backend.RoutingGameGuard},
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(t *testing.T, cfg Config, be backend.Backend, opts ...Option) (*Manager, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake(testEpoch)
	return newTestManagerWithClock(t, cfg, be, fc, opts...), fc
}

func newTestManagerWithClock(t *testing.T, cfg Config, be backend.Backend, fc *clock.FakeClock, opts ...Option) *Manager {
	t.Helper()
	all := append([]Option{WithClock(fc), WithLogger(quietLogger())}, opts...)
	m, err := New(context.Background(), cfg, be, all...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func snapshot(t *testing.T, m *Manager) *State {
	t.Helper()
	s, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

// scriptedBackend resolves each server after resolveAfter polls. Once
// resolved it keeps answering pending without a descriptor, which lets tests
// check that a resolved record never regresses.
type scriptedBackend struct {
	mu           sync.Mutex
	resolveAfter int
	createErr    error
	pollErrs     int
	next         int
	polls        map[string]int
	terminated   map[string]bool
	destroyed    map[string]bool
	creates      []backend.CreateServerRequest
}

func newScriptedBackend(resolveAfter int) *scriptedBackend {
	return &scriptedBackend{
		resolveAfter: resolveAfter,
		polls:        map[string]int{},
		terminated:   map[string]bool{},
		destroyed:    map[string]bool{},
	}
}

func (b *scriptedBackend) Kind() backend.Kind { return backend.KindRemoteFleet }

func (b *scriptedBackend) CreateServer(_ context.Context, req backend.CreateServerRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates = append(b.creates, req)
	if b.createErr != nil {
		return "", b.createErr
	}
	b.next++
	id := fmt.Sprintf("remote-%d", b.next)
	b.polls[id] = 0
	return id, nil
}

func (b *scriptedBackend) PollServer(_ context.Context, remoteID string) (backend.PollResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErrs > 0 {
		b.pollErrs--
		return backend.PollResult{}, fmt.Errorf("%w: scripted outage", backend.ErrBackendUnavailable)
	}
	if b.terminated[remoteID] || b.destroyed[remoteID] {
		return backend.PollResult{Status: backend.StatusTerminated}, nil
	}
	b.polls[remoteID]++
	switch n := b.polls[remoteID]; {
	case b.resolveAfter <= 0 || n < b.resolveAfter:
		return backend.PollResult{Status: backend.StatusPending}, nil
	case n == b.resolveAfter:
		return backend.PollResult{Status: backend.StatusResolved, Live: &backend.Live{
			RemoteID: remoteID,
			Region:   "eu",
			Ports: map[string]backend.Port{
				"game": {Protocol: backend.ProtocolUDP, Hostname: "eu.example", Port: 26000, Routing: backend.RoutingGameGuard},
			},
		}}, nil
	default:
		return backend.PollResult{Status: backend.StatusPending}, nil
	}
}

func (b *scriptedBackend) DestroyServer(_ context.Context, remoteID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed[remoteID] = true
	return nil
}

func (b *scriptedBackend) terminate(remoteID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated[remoteID] = true
}

func (b *scriptedBackend) wasDestroyed(remoteID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed[remoteID]
}

func (b *scriptedBackend) createRequests() []backend.CreateServerRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.CreateServerRequest(nil), b.creates...)
}

func (b *scriptedBackend) failPolls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErrs = n
}

type mockSink struct {
	mock.Mock
}

func (s *mockSink) PublishDestroy(ctx context.Context, ev DestroyEvent) error {
	args := s.Called(ctx, ev)
	return args.Error(0)
}

type memStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) Load(_ context.Context, managerID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[managerID]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) Save(_ context.Context, managerID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[managerID] = append([]byte(nil), data...)
	s.saves++
	return nil
}
