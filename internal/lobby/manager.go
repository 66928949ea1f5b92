// internal/lobby/manager.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/clock"
	"github.com/sirupsen/logrus"
)

// Config holds the knobs of a single manager instance. Durations of zero fall
// back to the defaults below, except EmptyExpireAfter where zero disables
// empty expiry.
type Config struct {
	ManagerID string

	Regions      []string
	MaxPlayers   int
	DefaultPorts map[string]backend.Port
	AdminToken   string

	UnreadyExpireAfter     time.Duration
	EmptyExpireAfter       time.Duration
	UnconnectedExpireAfter time.Duration
	ProvisioningTimeout    time.Duration

	GCInterval            time.Duration
	ServerPollInterval    time.Duration
	ServerPollConcurrency int
	BackendCallTimeout    time.Duration
}

const (
	DefaultUnreadyExpireAfter     = 5 * time.Minute
	DefaultUnconnectedExpireAfter = time.Minute
	DefaultProvisioningTimeout    = 5 * time.Minute
	DefaultGCInterval             = 15 * time.Second
	DefaultServerPollInterval     = 5 * time.Second
	DefaultServerPollConcurrency  = 8
	DefaultBackendCallTimeout     = 10 * time.Second
	DefaultMaxPlayers             = 16
)

func (c *Config) applyDefaults() {
	if c.ManagerID == "" {
		c.ManagerID = uuid.NewString()
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = DefaultMaxPlayers
	}
	if c.UnreadyExpireAfter <= 0 {
		c.UnreadyExpireAfter = DefaultUnreadyExpireAfter
	}
	if c.UnconnectedExpireAfter <= 0 {
		c.UnconnectedExpireAfter = DefaultUnconnectedExpireAfter
	}
	if c.ProvisioningTimeout <= 0 {
		c.ProvisioningTimeout = DefaultProvisioningTimeout
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.ServerPollInterval <= 0 {
		c.ServerPollInterval = DefaultServerPollInterval
	}
	if c.ServerPollConcurrency <= 0 {
		c.ServerPollConcurrency = DefaultServerPollConcurrency
	}
	if c.BackendCallTimeout <= 0 {
		c.BackendCallTimeout = DefaultBackendCallTimeout
	}
}

// EventSink receives a notification for every destroyed lobby. Publishing
// happens off the manager loop; failures are logged and dropped.
type EventSink interface {
	PublishDestroy(ctx context.Context, ev DestroyEvent) error
}

// DestroyEvent is the archived record of a lobby's destruction.
type DestroyEvent struct {
	ManagerID   string            `json:"manager_id"`
	LobbyID     string            `json:"lobby_id"`
	Region      string            `json:"region"`
	Tags        map[string]string `json:"tags,omitempty"`
	DestroyedAt int64             `json:"destroyed_at"`
	Reason      string            `json:"reason,omitempty"`
}

// Option customizes a Manager.
type Option func(*Manager)

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithSnapshotStore(store SnapshotStore) Option {
	return func(m *Manager) { m.store = store }
}

func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

type request struct {
	fn     func() error
	mutate bool
	done   chan error
}

type playerRef struct {
	lobbyID  string
	playerID string
}

// Manager owns one State. Every read and write runs as a closure on a single
// goroutine, in arrival order; network and persistence work happens outside
// that goroutine and merges its results back through the same mailbox.
type Manager struct {
	cfg     Config
	backend backend.Backend
	clock   clock.Clock
	store   SnapshotStore
	sink    EventSink
	logger  *logrus.Logger
	log     *logrus.Entry

	mailbox chan *request
	quit    chan struct{}
	stopped chan struct{}
	closing sync.Once
	workers sync.WaitGroup

	polling   atomic.Bool
	persister *persister

	// Everything below is owned by the loop goroutine.
	state        *State
	tagIndex     map[string][]string
	lobbyTokens  map[string]string
	playerTokens map[string]playerRef
	playerLobby  map[string]string
}

// New builds a manager, restores its last snapshot if a store is configured,
// and starts the loop and both timers.
func New(ctx context.Context, cfg Config, be backend.Backend, opts ...Option) (*Manager, error) {
	if be == nil {
		return nil, errors.New("lobby manager requires a backend")
	}
	if len(cfg.Regions) == 0 {
		return nil, errors.New("lobby manager requires at least one region")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:          cfg,
		backend:      be,
		clock:        clock.Real(),
		mailbox:      make(chan *request),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		tagIndex:     make(map[string][]string),
		lobbyTokens:  make(map[string]string),
		playerTokens: make(map[string]playerRef),
		playerLobby:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	m.log = m.logger.WithField("manager_id", cfg.ManagerID)

	state, err := m.restore(ctx)
	if err != nil {
		return nil, err
	}
	m.state = state
	m.rebuildIndexes()

	if m.store != nil {
		m.persister = newPersister(m.store, cfg.ManagerID, m.log)
	}
	m.resumeServerCreates()

	// Arm both timers before any goroutine starts so a resumed instance fires
	// on the schedule the snapshot implies.
	now := m.clock.Now()
	gcFirst := m.clock.After(resumeDelay(now, state.LastGcAt, cfg.GCInterval))
	pollFirst := m.clock.After(resumeDelay(now, state.LastServerPollAt, cfg.ServerPollInterval))

	go m.run()
	m.workers.Add(2)
	go m.timerLoop("gc", gcFirst, cfg.GCInterval, m.CollectGarbage)
	go m.timerLoop("server_poll", pollFirst, cfg.ServerPollInterval, m.ReconcileServers)

	m.log.WithFields(logrus.Fields{
		"backend": be.Kind(),
		"lobbies": len(state.Lobbies),
		"servers": len(state.Servers),
	}).Info("lobby manager started")
	return m, nil
}

func (m *Manager) restore(ctx context.Context) (*State, error) {
	if m.store == nil {
		return NewState(m.clock.Now()), nil
	}
	data, err := m.store.Load(ctx, m.cfg.ManagerID)
	if errors.Is(err, ErrNoSnapshot) {
		return NewState(m.clock.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for manager %s: %w", m.cfg.ManagerID, err)
	}
	state, err := UnmarshalState(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot for manager %s: %w", m.cfg.ManagerID, err)
	}
	return state, nil
}

// rebuildIndexes derives the lookup tables from live lobbies. Tokens of lobbies
// destroyed before a restart are not recoverable and read as invalid.
func (m *Manager) rebuildIndexes() {
	for id, l := range m.state.Lobbies {
		m.indexLobby(l)
		m.lobbyTokens[l.Token] = id
		for pid, p := range l.Players {
			m.playerTokens[p.Token] = playerRef{lobbyID: id, playerID: pid}
			m.playerLobby[pid] = id
		}
	}
	for key, ids := range m.tagIndex {
		m.tagIndex[key] = m.sortByCreated(ids)
	}
}

func resumeDelay(now time.Time, last Timestamp, interval time.Duration) time.Duration {
	d := last.Time().Add(interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case req := <-m.mailbox:
			err := req.fn()
			if req.mutate && err == nil {
				m.persistLocked()
			}
			req.done <- err
		case <-m.quit:
			return
		}
	}
}

// exec runs fn on the loop goroutine and waits for it. Once fn has been
// accepted it always runs to completion, even if ctx is cancelled meanwhile.
func (m *Manager) exec(ctx context.Context, mutate bool, fn func() error) error {
	req := &request{fn: fn, mutate: mutate, done: make(chan error, 1)}
	select {
	case m.mailbox <- req:
	case <-m.quit:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

func (m *Manager) read(ctx context.Context, fn func() error) error {
	return m.exec(ctx, false, fn)
}

func (m *Manager) mutate(ctx context.Context, fn func() error) error {
	return m.exec(ctx, true, fn)
}

func (m *Manager) timerLoop(name string, first <-chan time.Time, interval time.Duration, tick func(context.Context) error) {
	defer m.workers.Done()
	fire := first
	for {
		select {
		case <-fire:
		case <-m.quit:
			return
		}
		if err := tick(context.Background()); err != nil && !errors.Is(err, ErrManagerClosed) {
			m.log.WithError(err).WithField("timer", name).Warn("timer tick failed")
		}
		fire = m.clock.After(interval)
	}
}

// goAsync runs fn in a tracked goroutine. Results fn tries to merge after
// Close are dropped because exec reports ErrManagerClosed.
func (m *Manager) goAsync(fn func()) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		fn()
	}()
}

// ID is the manager instance id used for snapshots and events.
func (m *Manager) ID() string { return m.cfg.ManagerID }

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot(ctx context.Context) (*State, error) {
	var out *State
	err := m.read(ctx, func() error {
		out = m.state.Clone()
		return nil
	})
	return out, err
}

// Close stops the timers and the loop, waits for in-flight backend calls,
// and flushes a final snapshot. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closing.Do(func() {
		close(m.quit)
		<-m.stopped
		m.workers.Wait()
		if m.persister != nil {
			m.persistLocked()
			m.persister.close()
		}
		m.log.Info("lobby manager stopped")
	})
	return nil
}

func (m *Manager) persistLocked() {
	if m.persister == nil {
		return
	}
	data, err := MarshalState(m.state)
	if err != nil {
		m.log.WithError(err).Error("failed to encode lobby manager state")
		return
	}
	m.persister.offer(data)
}
