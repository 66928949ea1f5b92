// internal/lobby/operations.go
package lobby

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/tags"
	"github.com/sirupsen/logrus"
)

// Destroy reasons recorded in LobbyDestroyMeta.
const (
	ReasonUnreadyExpired      = "unready expired"
	ReasonEmptyExpired        = "empty expired"
	ReasonServerDestroyed     = "server destroyed"
	ReasonProvisioningTimeout = "provisioning timeout"
	ReasonServerCreateFailed  = "server create failed"
)

// CreateLobbySpec describes a lobby to create. Zero MaxPlayers uses the
// configured default, zero MaxPlayersDirect means MaxPlayers, and a nil
// Backend is derived from the manager's backend adapter.
type CreateLobbySpec struct {
	Region           string       `json:"region"`
	Tags             tags.Tags    `json:"tags,omitempty"`
	Version          string       `json:"version,omitempty"`
	MaxPlayers       int          `json:"maxPlayers,omitempty"`
	MaxPlayersDirect int          `json:"maxPlayersDirect,omitempty"`
	Backend          *BackendSpec `json:"backend,omitempty"`
}

// PlayerSpec describes a joining player.
type PlayerSpec struct {
	RemoteAddress string `json:"remoteAddress,omitempty"`
	Direct        bool   `json:"direct,omitempty"`
}

// CreateLobby inserts a new lobby and returns it with its token. Lobbies on a
// provisioned server start their server asynchronously.
func (m *Manager) CreateLobby(ctx context.Context, spec CreateLobbySpec) (*Lobby, error) {
	var out *Lobby
	err := m.mutate(ctx, func() error {
		l, err := m.createLocked(spec)
		if err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// GetOrCreateForTags returns the live lobby whose tag set equals t exactly.
// When none exists it creates one from create, or fails with
// ErrNotFoundAndCreationDisabled if create is nil. A found lobby is returned
// without tokens; a created one is returned in full. The boolean reports
// whether a lobby was created.
func (m *Manager) GetOrCreateForTags(ctx context.Context, t tags.Tags, create *CreateLobbySpec) (*Lobby, bool, error) {
	if err := t.Validate(); err != nil {
		return nil, false, validationf("%v", err)
	}
	var (
		out     *Lobby
		created bool
	)
	err := m.mutate(ctx, func() error {
		if l := m.findByTagsLocked(t); l != nil {
			out = l.Public()
			return nil
		}
		if create == nil {
			return ErrNotFoundAndCreationDisabled
		}
		spec := *create
		spec.Tags = t.Clone()
		l, err := m.createLocked(spec)
		if err != nil {
			return err
		}
		out = l.Clone()
		created = true
		return nil
	})
	return out, created, err
}

// SetLobbyReady marks the lobby ready. Repeated calls keep the first readyAt.
func (m *Manager) SetLobbyReady(ctx context.Context, lobbyToken string) error {
	return m.mutate(ctx, func() error {
		l, err := m.lobbyByTokenLocked(lobbyToken)
		if err != nil {
			return err
		}
		if l.ReadyAt != nil {
			return nil
		}
		l.ReadyAt = stampPtr(m.clock.Now())
		m.log.WithField("lobby_id", l.ID).Info("lobby ready")
		return nil
	})
}

// JoinLobby adds a player and returns it with its token.
func (m *Manager) JoinLobby(ctx context.Context, lobbyID string, spec PlayerSpec) (*Player, error) {
	var out *Player
	err := m.mutate(ctx, func() error {
		l, err := m.liveLobbyLocked(lobbyID)
		if err != nil {
			return err
		}
		if len(l.Players) >= l.MaxPlayers {
			return ErrLobbyFull
		}
		if spec.Direct && l.directPlayers() >= l.MaxPlayersDirect {
			return ErrLobbyFull
		}

		p := &Player{
			ID:            uuid.NewString(),
			Token:         newToken(),
			LobbyID:       l.ID,
			CreatedAt:     stamp(m.clock.Now()),
			RemoteAddress: spec.RemoteAddress,
			Direct:        spec.Direct,
		}
		l.Players[p.ID] = p
		l.EmptyAt = nil
		m.playerTokens[p.Token] = playerRef{lobbyID: l.ID, playerID: p.ID}
		m.playerLobby[p.ID] = l.ID

		m.log.WithFields(logrus.Fields{
			"lobby_id":  l.ID,
			"player_id": p.ID,
			"players":   len(l.Players),
		}).Debug("player joined")
		cp := *p
		out = &cp
		return nil
	})
	return out, err
}

// MarkPlayerConnected records the first time the player's connection came up.
func (m *Manager) MarkPlayerConnected(ctx context.Context, playerToken string) error {
	return m.mutate(ctx, func() error {
		p, err := m.playerByTokenLocked(playerToken)
		if err != nil {
			return err
		}
		if p.ConnectedAt == nil {
			now := m.clock.Now()
			if created := p.CreatedAt.Time(); now.Before(created) {
				now = created
			}
			p.ConnectedAt = stampPtr(now)
		}
		return nil
	})
}

// PlayerByToken returns a copy of the player holding playerToken.
func (m *Manager) PlayerByToken(ctx context.Context, playerToken string) (*Player, error) {
	var out *Player
	err := m.read(ctx, func() error {
		p, err := m.playerByTokenLocked(playerToken)
		if err != nil {
			return err
		}
		cp := *p
		out = &cp
		return nil
	})
	return out, err
}

// RemovePlayer removes the player from its lobby.
func (m *Manager) RemovePlayer(ctx context.Context, playerID string) error {
	return m.mutate(ctx, func() error {
		lobbyID, ok := m.playerLobby[playerID]
		if !ok {
			return ErrNotFound
		}
		m.removePlayerLocked(m.state.Lobbies[lobbyID], playerID)
		return nil
	})
}

// LeavePlayer removes the player holding playerToken.
func (m *Manager) LeavePlayer(ctx context.Context, playerToken string) error {
	return m.mutate(ctx, func() error {
		p, err := m.playerByTokenLocked(playerToken)
		if err != nil {
			return err
		}
		m.removePlayerLocked(m.state.Lobbies[p.LobbyID], p.ID)
		return nil
	})
}

// DestroyLobby destroys a lobby. Destroying an already destroyed lobby is a no-op.
func (m *Manager) DestroyLobby(ctx context.Context, lobbyID, reason string) error {
	return m.mutate(ctx, func() error {
		return m.destroyIfKnownLocked(lobbyID, reason)
	})
}

// LobbyDestroyMeta reports why a lobby was destroyed.
func (m *Manager) LobbyDestroyMeta(ctx context.Context, lobbyID string) (LobbyDestroyMeta, error) {
	var out LobbyDestroyMeta
	err := m.read(ctx, func() error {
		meta, ok := m.state.LobbyDestroyMeta[lobbyID]
		if !ok {
			return ErrNotFound
		}
		out = meta
		return nil
	})
	return out, err
}

// AdminGetLobby returns the full lobby, tokens included.
func (m *Manager) AdminGetLobby(ctx context.Context, adminToken, lobbyID string) (*Lobby, error) {
	if err := m.authorizeAdmin(adminToken); err != nil {
		return nil, err
	}
	var out *Lobby
	err := m.read(ctx, func() error {
		l, ok := m.state.Lobbies[lobbyID]
		if !ok {
			return ErrNotFound
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// AdminListLobbies returns every live lobby, oldest first.
func (m *Manager) AdminListLobbies(ctx context.Context, adminToken string) ([]*Lobby, error) {
	if err := m.authorizeAdmin(adminToken); err != nil {
		return nil, err
	}
	var out []*Lobby
	err := m.read(ctx, func() error {
		out = make([]*Lobby, 0, len(m.state.Lobbies))
		for _, l := range m.state.Lobbies {
			out = append(out, l.Clone())
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

// AdminDestroyLobby force destroys a lobby.
func (m *Manager) AdminDestroyLobby(ctx context.Context, adminToken, lobbyID, reason string) error {
	if err := m.authorizeAdmin(adminToken); err != nil {
		return err
	}
	return m.DestroyLobby(ctx, lobbyID, reason)
}

func (m *Manager) authorizeAdmin(token string) error {
	want := m.cfg.AdminToken
	if want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (m *Manager) createLocked(spec CreateLobbySpec) (*Lobby, error) {
	if spec.MaxPlayers == 0 {
		spec.MaxPlayers = m.cfg.MaxPlayers
	}
	if spec.MaxPlayers < 1 {
		return nil, validationf("maxPlayers must be at least 1")
	}
	if spec.MaxPlayersDirect < 0 || spec.MaxPlayersDirect > spec.MaxPlayers {
		return nil, validationf("maxPlayersDirect must be between 0 and maxPlayers")
	}
	if spec.MaxPlayersDirect == 0 {
		spec.MaxPlayersDirect = spec.MaxPlayers
	}
	if err := spec.Tags.Validate(); err != nil {
		return nil, validationf("%v", err)
	}
	bspec, err := m.resolveBackendSpec(spec.Backend)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(m.cfg.Regions, spec.Region) {
		return nil, ErrRegionUnavailable
	}

	now := m.clock.Now()
	l := &Lobby{
		ID:               uuid.NewString(),
		Token:            newToken(),
		Version:          spec.Version,
		Region:           spec.Region,
		Tags:             spec.Tags.Clone(),
		CreatedAt:        stamp(now),
		Players:          make(map[string]*Player),
		MaxPlayers:       spec.MaxPlayers,
		MaxPlayersDirect: spec.MaxPlayersDirect,
	}

	var createReq *backend.CreateServerRequest
	switch bspec.Kind() {
	case BackendTest:
		l.Backend = LobbyBackend{Test: &TestBackend{}}
	case BackendLocalDevelopment:
		l.Backend = LobbyBackend{LocalDevelopment: &LocalDevelopmentBackend{Ports: cloneMap(bspec.LocalDevelopment.Ports)}}
	case BackendServer:
		srv := &Server{ID: uuid.NewString(), CreatedAt: stamp(now), Ports: cloneMap(bspec.Server.Ports)}
		m.state.Servers[srv.ID] = srv
		l.Backend = LobbyBackend{Server: &ServerBackend{ServerID: srv.ID}}
		createReq = &backend.CreateServerRequest{
			ServerID: srv.ID,
			LobbyID:  l.ID,
			Region:   l.Region,
			Version:  l.Version,
			Tags:     l.Tags.Clone(),
			Ports:    cloneMap(bspec.Server.Ports),
		}
	default:
		panic("unreachable: backend spec validated above")
	}

	m.state.Lobbies[l.ID] = l
	m.indexLobby(l)
	m.lobbyTokens[l.Token] = l.ID
	if createReq != nil {
		m.startServerCreate(*createReq)
	}

	m.log.WithFields(logrus.Fields{
		"lobby_id": l.ID,
		"region":   l.Region,
		"tags":     l.Tags.Canonical(),
	}).Info("lobby created")
	return l, nil
}

// resolveBackendSpec validates an explicit spec or derives one from the
// configured adapter.
func (m *Manager) resolveBackendSpec(spec *BackendSpec) (BackendSpec, error) {
	if spec != nil {
		out := *spec
		switch out.Kind() {
		case BackendTest:
		case BackendLocalDevelopment:
			if out.LocalDevelopment.Ports == nil {
				out.LocalDevelopment = &LocalDevelopmentBackend{Ports: m.cfg.DefaultPorts}
			}
		case BackendServer:
			if out.Server.Ports == nil {
				out.Server = &ServerSpec{Ports: m.cfg.DefaultPorts}
			}
		default:
			return BackendSpec{}, validationf("backend must name exactly one of test, localDevelopment, server")
		}
		return out, nil
	}

	switch m.backend.Kind() {
	case backend.KindTest:
		return BackendSpec{Test: &TestBackend{}}, nil
	case backend.KindLocalDevelopment:
		return BackendSpec{LocalDevelopment: &LocalDevelopmentBackend{Ports: m.cfg.DefaultPorts}}, nil
	case backend.KindRemoteFleet:
		return BackendSpec{Server: &ServerSpec{Ports: m.cfg.DefaultPorts}}, nil
	default:
		return BackendSpec{}, backend.ErrUnknownKind
	}
}

// startServerCreate asks the backend for a server off the loop and merges the
// outcome back in.
func (m *Manager) startServerCreate(req backend.CreateServerRequest) {
	m.goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BackendCallTimeout)
		remoteID, createErr := m.backend.CreateServer(ctx, req)
		cancel()

		err := m.mutate(context.Background(), func() error {
			srv, ok := m.state.Servers[req.ServerID]
			if !ok {
				return nil
			}
			if createErr != nil {
				if srv.DestroyedAt == nil {
					m.log.WithError(createErr).WithFields(logrus.Fields{
						"lobby_id":  req.LobbyID,
						"server_id": req.ServerID,
					}).Warn("server create failed")
					srv.DestroyedAt = stampPtr(m.clock.Now())
					m.destroyLocked(req.LobbyID, ReasonServerCreateFailed)
				}
				return nil
			}
			srv.RemoteID = remoteID
			if srv.CreateCompleteAt == nil {
				srv.CreateCompleteAt = stampPtr(m.clock.Now())
			}
			if srv.DestroyedAt != nil {
				// Lobby went away while the create was in flight.
				m.destroyRemote(req.ServerID, remoteID)
			}
			return nil
		})
		if err != nil && createErr == nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"server_id": req.ServerID,
				"remote_id": remoteID,
			}).Warn("discarding server create result")
		}
	})
}

func (m *Manager) destroyRemote(serverID, remoteID string) {
	m.goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BackendCallTimeout)
		defer cancel()
		if err := m.backend.DestroyServer(ctx, remoteID); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"server_id": serverID,
				"remote_id": remoteID,
			}).Warn("failed to destroy server")
		}
	})
}

func (m *Manager) publishDestroy(ev DestroyEvent) {
	if m.sink == nil {
		return
	}
	m.goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BackendCallTimeout)
		defer cancel()
		if err := m.sink.PublishDestroy(ctx, ev); err != nil {
			m.log.WithError(err).WithField("lobby_id", ev.LobbyID).Warn("failed to publish lobby destroy event")
		}
	})
}

func (m *Manager) destroyIfKnownLocked(lobbyID, reason string) error {
	if _, ok := m.state.Lobbies[lobbyID]; ok {
		m.destroyLocked(lobbyID, reason)
		return nil
	}
	if _, ok := m.state.LobbyDestroyMeta[lobbyID]; ok {
		return nil
	}
	return ErrNotFound
}

// destroyLocked is the only path that removes a lobby. GC, reconciliation,
// admin and clients all end up here.
func (m *Manager) destroyLocked(lobbyID, reason string) {
	l, ok := m.state.Lobbies[lobbyID]
	if !ok {
		return
	}
	now := m.clock.Now()

	delete(m.state.Lobbies, lobbyID)
	m.unindexLobby(l)
	for pid, p := range l.Players {
		delete(m.playerTokens, p.Token)
		delete(m.playerLobby, pid)
	}
	m.state.LobbyDestroyMeta[lobbyID] = LobbyDestroyMeta{DestroyedAt: stamp(now), Reason: reason}

	if l.Backend.Server != nil {
		if srv, ok := m.state.Servers[l.Backend.Server.ServerID]; ok && srv.DestroyedAt == nil {
			srv.DestroyedAt = stampPtr(now)
			if srv.RemoteID != "" {
				m.destroyRemote(srv.ID, srv.RemoteID)
			}
		}
	}

	m.publishDestroy(DestroyEvent{
		ManagerID:   m.cfg.ManagerID,
		LobbyID:     lobbyID,
		Region:      l.Region,
		Tags:        l.Tags.Clone(),
		DestroyedAt: now.UnixMilli(),
		Reason:      reason,
	})
	m.log.WithFields(logrus.Fields{
		"lobby_id": lobbyID,
		"reason":   reason,
	}).Info("lobby destroyed")
}

func (m *Manager) removePlayerLocked(l *Lobby, playerID string) {
	p, ok := l.Players[playerID]
	if !ok {
		return
	}
	delete(l.Players, playerID)
	delete(m.playerTokens, p.Token)
	delete(m.playerLobby, playerID)
	if len(l.Players) == 0 {
		l.EmptyAt = stampPtr(m.clock.Now())
	}
	m.log.WithFields(logrus.Fields{
		"lobby_id":  l.ID,
		"player_id": playerID,
		"players":   len(l.Players),
	}).Debug("player removed")
}

// liveLobbyLocked resolves a lobby id, reporting a destroyed lobby with its cause.
func (m *Manager) liveLobbyLocked(lobbyID string) (*Lobby, error) {
	if l, ok := m.state.Lobbies[lobbyID]; ok {
		return l, nil
	}
	if meta, ok := m.state.LobbyDestroyMeta[lobbyID]; ok {
		return nil, &DestroyedError{LobbyID: lobbyID, Meta: meta}
	}
	return nil, ErrNotFound
}

func (m *Manager) lobbyByTokenLocked(token string) (*Lobby, error) {
	id, ok := m.lobbyTokens[token]
	if !ok || token == "" {
		return nil, ErrInvalidToken
	}
	return m.liveLobbyLocked(id)
}

func (m *Manager) playerByTokenLocked(token string) (*Player, error) {
	ref, ok := m.playerTokens[token]
	if !ok || token == "" {
		return nil, ErrInvalidToken
	}
	return m.state.Lobbies[ref.lobbyID].Players[ref.playerID], nil
}

func (m *Manager) findByTagsLocked(t tags.Tags) *Lobby {
	for _, id := range m.tagIndex[t.Canonical()] {
		if l, ok := m.state.Lobbies[id]; ok && l.Tags.Equal(t) {
			return l
		}
	}
	return nil
}

func (m *Manager) indexLobby(l *Lobby) {
	key := l.Tags.Canonical()
	m.tagIndex[key] = append(m.tagIndex[key], l.ID)
}

func (m *Manager) unindexLobby(l *Lobby) {
	key := l.Tags.Canonical()
	ids := slices.DeleteFunc(m.tagIndex[key], func(id string) bool { return id == l.ID })
	if len(ids) == 0 {
		delete(m.tagIndex, key)
		return
	}
	m.tagIndex[key] = ids
}

func (m *Manager) sortByCreated(ids []string) []string {
	sort.SliceStable(ids, func(i, j int) bool {
		return m.state.Lobbies[ids[i]].CreatedAt < m.state.Lobbies[ids[j]].CreatedAt
	})
	return ids
}

func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func expired(now time.Time, since Timestamp, after time.Duration) bool {
	return now.Sub(since.Time()) > after
}
