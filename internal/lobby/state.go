// internal/lobby/state.go
package lobby

import (
	"time"

	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/tags"
)

// StateVersion is bumped whenever the persisted layout changes shape.
const StateVersion = 1

// Timestamp is a Unix time in milliseconds, the unit every persisted field uses.
type Timestamp int64

func stamp(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

func stampPtr(t time.Time) *Timestamp {
	ts := stamp(t)
	return &ts
}

// Time converts back to a time.Time in UTC.
func (ts Timestamp) Time() time.Time { return time.UnixMilli(int64(ts)).UTC() }

// State is the aggregate root owned by a single Manager.
type State struct {
	Version          int                         `json:"version"`
	Lobbies          map[string]*Lobby           `json:"lobbies"`
	Servers          map[string]*Server          `json:"servers"`
	LastGcAt         Timestamp                   `json:"lastGcAt"`
	LastServerPollAt Timestamp                   `json:"lastServerPollAt"`
	LobbyDestroyMeta map[string]LobbyDestroyMeta `json:"lobbyDestroyMeta"`
}

// NewState returns an empty state stamped with the given time, so timers start
// a full interval from now instead of firing at once.
func NewState(now time.Time) *State {
	return &State{
		Version:          StateVersion,
		Lobbies:          make(map[string]*Lobby),
		Servers:          make(map[string]*Server),
		LastGcAt:         stamp(now),
		LastServerPollAt: stamp(now),
		LobbyDestroyMeta: make(map[string]LobbyDestroyMeta),
	}
}

func (s *State) normalize() {
	if s.Lobbies == nil {
		s.Lobbies = make(map[string]*Lobby)
	}
	if s.Servers == nil {
		s.Servers = make(map[string]*Server)
	}
	if s.LobbyDestroyMeta == nil {
		s.LobbyDestroyMeta = make(map[string]LobbyDestroyMeta)
	}
	for _, l := range s.Lobbies {
		if l.Players == nil {
			l.Players = make(map[string]*Player)
		}
	}
}

// Clone deep copies the state.
func (s *State) Clone() *State {
	out := &State{
		Version:          s.Version,
		Lobbies:          make(map[string]*Lobby, len(s.Lobbies)),
		Servers:          make(map[string]*Server, len(s.Servers)),
		LastGcAt:         s.LastGcAt,
		LastServerPollAt: s.LastServerPollAt,
		LobbyDestroyMeta: make(map[string]LobbyDestroyMeta, len(s.LobbyDestroyMeta)),
	}
	for id, l := range s.Lobbies {
		out.Lobbies[id] = l.Clone()
	}
	for id, srv := range s.Servers {
		out.Servers[id] = srv.Clone()
	}
	for id, meta := range s.LobbyDestroyMeta {
		out.LobbyDestroyMeta[id] = meta
	}
	return out
}

// Lobby is a matchmaking session grouping players, backed by zero or one server.
type Lobby struct {
	ID      string    `json:"id"`
	Token   string    `json:"token"`
	Version string    `json:"version"`
	Region  string    `json:"region"`
	Tags    tags.Tags `json:"tags"`

	CreatedAt Timestamp  `json:"createdAt"`
	ReadyAt   *Timestamp `json:"readyAt,omitempty"`
	// EmptyAt is when the last player left.
	EmptyAt *Timestamp `json:"emptyAt,omitempty"`

	Players map[string]*Player `json:"players"`

	MaxPlayers       int `json:"maxPlayers"`
	MaxPlayersDirect int `json:"maxPlayersDirect"`

	Backend LobbyBackend `json:"backend"`
}

// Clone deep copies the lobby, tokens included.
func (l *Lobby) Clone() *Lobby {
	out := *l
	out.Tags = l.Tags.Clone()
	out.ReadyAt = cloneStamp(l.ReadyAt)
	out.EmptyAt = cloneStamp(l.EmptyAt)
	out.Players = make(map[string]*Player, len(l.Players))
	for id, p := range l.Players {
		cp := *p
		cp.ConnectedAt = cloneStamp(p.ConnectedAt)
		out.Players[id] = &cp
	}
	out.Backend = l.Backend.clone()
	return &out
}

// Public returns a copy safe to hand to anyone who is not the lobby's creator
// or an admin: the lobby token and every player token are blanked.
func (l *Lobby) Public() *Lobby {
	out := l.Clone()
	out.Token = ""
	for _, p := range out.Players {
		p.Token = ""
	}
	return out
}

func (l *Lobby) directPlayers() int {
	n := 0
	for _, p := range l.Players {
		if p.Direct {
			n++
		}
	}
	return n
}

// Player belongs to exactly one lobby for its whole life.
type Player struct {
	ID            string     `json:"id"`
	Token         string     `json:"token"`
	LobbyID       string     `json:"lobbyId"`
	CreatedAt     Timestamp  `json:"createdAt"`
	ConnectedAt   *Timestamp `json:"connectedAt,omitempty"`
	RemoteAddress string     `json:"remoteAddress,omitempty"`
	// Direct players joined by lobby id rather than through tag matching.
	Direct bool `json:"direct,omitempty"`
}

// Server is the manager's record of an externally provisioned server.
type Server struct {
	ID        string    `json:"id"`
	CreatedAt Timestamp `json:"createdAt"`
	// RemoteID is the provisioning service's id, known once CreateServer returns.
	RemoteID         string        `json:"remoteId,omitempty"`
	CreateCompleteAt *Timestamp    `json:"createCompleteAt,omitempty"`
	PolledAt         *Timestamp    `json:"polledAt,omitempty"`
	DestroyedAt      *Timestamp    `json:"destroyedAt,omitempty"`
	// ResolvedAt is set by the first poll that reports every port bound.
	ResolvedAt *Timestamp    `json:"resolvedAt,omitempty"`
	Live       *backend.Live `json:"live,omitempty"`
	// Ports is the port spec the server was requested with.
	Ports map[string]backend.Port `json:"ports,omitempty"`
}

func (s *Server) Resolved() bool { return s.ResolvedAt != nil }

func (s *Server) Clone() *Server {
	out := *s
	out.CreateCompleteAt = cloneStamp(s.CreateCompleteAt)
	out.PolledAt = cloneStamp(s.PolledAt)
	out.DestroyedAt = cloneStamp(s.DestroyedAt)
	out.ResolvedAt = cloneStamp(s.ResolvedAt)
	out.Live = s.Live.Clone()
	out.Ports = cloneMap(s.Ports)
	return &out
}

// LobbyDestroyMeta explains why a lobby went away. Entries outlive the lobby.
type LobbyDestroyMeta struct {
	DestroyedAt Timestamp `json:"destroyedAt"`
	Reason      string    `json:"reason,omitempty"`
}

// LobbyBackend records what a lobby runs on. Exactly one field is set.
type LobbyBackend struct {
	Test             *TestBackend             `json:"test,omitempty"`
	LocalDevelopment *LocalDevelopmentBackend `json:"localDevelopment,omitempty"`
	Server           *ServerBackend           `json:"server,omitempty"`
}

type TestBackend struct{}

type LocalDevelopmentBackend struct {
	Ports map[string]backend.Port `json:"ports"`
}

type ServerBackend struct {
	ServerID string `json:"serverId"`
}

// BackendKind is the discriminant of LobbyBackend and BackendSpec.
type BackendKind int

const (
	BackendInvalid BackendKind = iota
	BackendTest
	BackendLocalDevelopment
	BackendServer
)

func (b LobbyBackend) Kind() BackendKind {
	return kindOf(b.Test != nil, b.LocalDevelopment != nil, b.Server != nil)
}

func (b LobbyBackend) clone() LobbyBackend {
	switch b.Kind() {
	case BackendTest:
		return LobbyBackend{Test: &TestBackend{}}
	case BackendLocalDevelopment:
		return LobbyBackend{LocalDevelopment: &LocalDevelopmentBackend{Ports: cloneMap(b.LocalDevelopment.Ports)}}
	case BackendServer:
		cp := *b.Server
		return LobbyBackend{Server: &cp}
	default:
		return LobbyBackend{}
	}
}

// BackendSpec is what a caller asks for at create time. Exactly one field is set.
type BackendSpec struct {
	Test             *TestBackend             `json:"test,omitempty"`
	LocalDevelopment *LocalDevelopmentBackend `json:"localDevelopment,omitempty"`
	Server           *ServerSpec              `json:"server,omitempty"`
}

// ServerSpec requests a provisioned server with the given ports.
type ServerSpec struct {
	Ports map[string]backend.Port `json:"ports"`
}

func (b BackendSpec) Kind() BackendKind {
	return kindOf(b.Test != nil, b.LocalDevelopment != nil, b.Server != nil)
}

func kindOf(test, local, server bool) BackendKind {
	n := 0
	kind := BackendInvalid
	if test {
		n++
		kind = BackendTest
	}
	if local {
		n++
		kind = BackendLocalDevelopment
	}
	if server {
		n++
		kind = BackendServer
	}
	if n != 1 {
		return BackendInvalid
	}
	return kind
}

func cloneStamp(ts *Timestamp) *Timestamp {
	if ts == nil {
		return nil
	}
	cp := *ts
	return &cp
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
