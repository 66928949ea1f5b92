// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"gopkg.in/yaml.v3"
)

// Millis is a duration written as whole milliseconds in YAML and env vars.
type Millis int64

func (m Millis) Duration() time.Duration { return time.Duration(m) * time.Millisecond }

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Lobbies   LobbiesConfig   `yaml:"lobbies"`
	Players   PlayersConfig   `yaml:"players"`
	Admin     AdminConfig     `yaml:"admin"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Historian HistorianConfig `yaml:"historian"`

	ServerPollInterval    Millis `yaml:"serverPollInterval"`
	ServerPollConcurrency int    `yaml:"serverPollConcurrency"`
	BackendCallTimeout    Millis `yaml:"backendCallTimeout"`
	GCInterval            Millis `yaml:"gcInterval"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	PublicURL string `yaml:"publicURL"`
}

type LobbiesConfig struct {
	Regions             []string      `yaml:"regions"`
	MaxPlayers          int           `yaml:"maxPlayers"`
	UnreadyExpireAfter  Millis        `yaml:"unreadyExpireAfter"`
	EmptyExpireAfter    Millis        `yaml:"emptyExpireAfter"`
	ProvisioningTimeout Millis        `yaml:"provisioningTimeout"`
	Backend             BackendConfig `yaml:"backend"`
}

// BackendConfig holds exactly one of its variants.
type BackendConfig struct {
	Test             *struct{}                `yaml:"test,omitempty"`
	LocalDevelopment *LocalDevelopmentBackend `yaml:"localDevelopment,omitempty"`
	RemoteFleet      *RemoteFleetBackend      `yaml:"remoteFleet,omitempty"`
}

type LocalDevelopmentBackend struct {
	Ports map[string]backend.Port `yaml:"ports"`
}

type RemoteFleetBackend struct {
	Endpoint          string                  `yaml:"endpoint"`
	Token             string                  `yaml:"token"`
	Build             string                  `yaml:"build"`
	Ports             map[string]backend.Port `yaml:"ports"`
	RequestsPerSecond float64                 `yaml:"requestsPerSecond"`
	Burst             int                     `yaml:"burst"`
}

type PlayersConfig struct {
	UnconnectedExpireAfter Millis `yaml:"unconnectedExpireAfter"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

// RedisConfig enables the destroy-event queue and shared tag index when Addr
// is set.
type RedisConfig struct {
	Addr  string `yaml:"addr"`
	DB    int    `yaml:"db"`
	Queue string `yaml:"queue"`
}

// PostgresConfig enables snapshots when URL is set.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// HistorianConfig tunes the destroy-event archiver.
type HistorianConfig struct {
	BatchSize     int    `yaml:"batchSize"`
	FlushInterval Millis `yaml:"flushInterval"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", PublicURL: "http://localhost:8080"},
		Lobbies: LobbiesConfig{
			Regions:             []string{"local"},
			MaxPlayers:          lobby.DefaultMaxPlayers,
			UnreadyExpireAfter:  Millis(lobby.DefaultUnreadyExpireAfter / time.Millisecond),
			ProvisioningTimeout: Millis(lobby.DefaultProvisioningTimeout / time.Millisecond),
		},
		Players:               PlayersConfig{UnconnectedExpireAfter: Millis(lobby.DefaultUnconnectedExpireAfter / time.Millisecond)},
		ServerPollInterval:    Millis(lobby.DefaultServerPollInterval / time.Millisecond),
		ServerPollConcurrency: lobby.DefaultServerPollConcurrency,
		BackendCallTimeout:    Millis(lobby.DefaultBackendCallTimeout / time.Millisecond),
		GCInterval:            Millis(lobby.DefaultGCInterval / time.Millisecond),
		Historian:             HistorianConfig{BatchSize: 20, FlushInterval: 500},
	}
}

// Load applies, in order: defaults, the YAML file named by LOBBYD_CONFIG (if
// set), then environment overrides. The result is validated.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("LOBBYD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	b := cfg.Lobbies.Backend
	if b.Test == nil && b.LocalDevelopment == nil && b.RemoteFleet == nil {
		cfg.Lobbies.Backend.Test = &struct{}{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("PORT", c.Server.Addr)
	if c.Server.Addr != "" && !strings.Contains(c.Server.Addr, ":") {
		c.Server.Addr = ":" + c.Server.Addr
	}
	c.Server.PublicURL = getEnv("PUBLIC_URL", c.Server.PublicURL)

	if v := os.Getenv("LOBBIES_REGIONS"); v != "" {
		c.Lobbies.Regions = splitList(v)
	}
	c.Lobbies.MaxPlayers = getEnvInt("LOBBIES_MAX_PLAYERS", c.Lobbies.MaxPlayers)
	c.Lobbies.UnreadyExpireAfter = getEnvMillis("LOBBIES_UNREADY_EXPIRE_AFTER_MS", c.Lobbies.UnreadyExpireAfter)
	c.Lobbies.EmptyExpireAfter = getEnvMillis("LOBBIES_EMPTY_EXPIRE_AFTER_MS", c.Lobbies.EmptyExpireAfter)
	c.Lobbies.ProvisioningTimeout = getEnvMillis("LOBBIES_PROVISIONING_TIMEOUT_MS", c.Lobbies.ProvisioningTimeout)
	c.Players.UnconnectedExpireAfter = getEnvMillis("PLAYERS_UNCONNECTED_EXPIRE_AFTER_MS", c.Players.UnconnectedExpireAfter)
	c.Admin.Token = getEnv("ADMIN_TOKEN", c.Admin.Token)

	c.ServerPollInterval = getEnvMillis("SERVER_POLL_INTERVAL_MS", c.ServerPollInterval)
	c.ServerPollConcurrency = getEnvInt("SERVER_POLL_CONCURRENCY", c.ServerPollConcurrency)
	c.BackendCallTimeout = getEnvMillis("BACKEND_CALL_TIMEOUT_MS", c.BackendCallTimeout)
	c.GCInterval = getEnvMillis("GC_INTERVAL_MS", c.GCInterval)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Queue = getEnv("LOBBY_EVENTS_QUEUE", c.Redis.Queue)
	c.Postgres.URL = getEnv("DATABASE_URL", c.Postgres.URL)
	c.Historian.BatchSize = getEnvInt("HISTORIAN_BATCH_SIZE", c.Historian.BatchSize)
	c.Historian.FlushInterval = getEnvMillis("HISTORIAN_FLUSH_MS", c.Historian.FlushInterval)

	return c.applyBackendEnv()
}

func (c *Config) applyBackendEnv() error {
	var ports map[string]backend.Port
	if v := os.Getenv("LOBBIES_BACKEND_PORTS"); v != "" {
		var err error
		if ports, err = ParsePorts(v); err != nil {
			return fmt.Errorf("LOBBIES_BACKEND_PORTS: %w", err)
		}
	}

	switch backend.Kind(os.Getenv("LOBBIES_BACKEND")) {
	case "":
	case backend.KindTest:
		c.Lobbies.Backend = BackendConfig{Test: &struct{}{}}
	case backend.KindLocalDevelopment:
		if c.Lobbies.Backend.LocalDevelopment == nil {
			c.Lobbies.Backend = BackendConfig{LocalDevelopment: &LocalDevelopmentBackend{}}
		}
	case backend.KindRemoteFleet:
		if c.Lobbies.Backend.RemoteFleet == nil {
			c.Lobbies.Backend = BackendConfig{RemoteFleet: &RemoteFleetBackend{}}
		}
	default:
		return fmt.Errorf("LOBBIES_BACKEND: %w: %q", backend.ErrUnknownKind, os.Getenv("LOBBIES_BACKEND"))
	}

	if ld := c.Lobbies.Backend.LocalDevelopment; ld != nil && ports != nil {
		ld.Ports = ports
	}
	if rf := c.Lobbies.Backend.RemoteFleet; rf != nil {
		rf.Endpoint = getEnv("REMOTE_FLEET_ENDPOINT", rf.Endpoint)
		rf.Token = getEnv("REMOTE_FLEET_TOKEN", rf.Token)
		rf.Build = getEnv("REMOTE_FLEET_BUILD", rf.Build)
		rf.RequestsPerSecond = getEnvFloat("REMOTE_FLEET_RPS", rf.RequestsPerSecond)
		rf.Burst = getEnvInt("REMOTE_FLEET_BURST", rf.Burst)
		if ports != nil {
			rf.Ports = ports
		}
	}
	return nil
}

// Validate rejects configurations the lobby manager cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Lobbies.Regions) == 0 {
		errs = append(errs, errors.New("lobbies.regions must list at least one region"))
	}
	if c.Lobbies.MaxPlayers <= 0 {
		errs = append(errs, errors.New("lobbies.maxPlayers must be positive"))
	}
	if c.Lobbies.EmptyExpireAfter < 0 {
		errs = append(errs, errors.New("lobbies.emptyExpireAfter must not be negative"))
	}
	positive := map[string]Millis{
		"lobbies.unreadyExpireAfter":     c.Lobbies.UnreadyExpireAfter,
		"lobbies.provisioningTimeout":    c.Lobbies.ProvisioningTimeout,
		"players.unconnectedExpireAfter": c.Players.UnconnectedExpireAfter,
		"serverPollInterval":             c.ServerPollInterval,
		"backendCallTimeout":             c.BackendCallTimeout,
		"gcInterval":                     c.GCInterval,
		"historian.flushInterval":        c.Historian.FlushInterval,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ServerPollConcurrency <= 0 {
		errs = append(errs, errors.New("serverPollConcurrency must be positive"))
	}
	if c.Historian.BatchSize <= 0 {
		errs = append(errs, errors.New("historian.batchSize must be positive"))
	}

	b := c.Lobbies.Backend
	set := 0
	for _, ok := range []bool{b.Test != nil, b.LocalDevelopment != nil, b.RemoteFleet != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		errs = append(errs, errors.New("lobbies.backend must set exactly one of test, localDevelopment, remoteFleet"))
	}
	if b.RemoteFleet != nil && b.RemoteFleet.Endpoint == "" {
		errs = append(errs, errors.New("lobbies.backend.remoteFleet.endpoint is required"))
	}
	return errors.Join(errs...)
}

// Backend converts the backend section into adapter configuration.
func (c Config) Backend() backend.Config {
	b := c.Lobbies.Backend
	switch {
	case b.LocalDevelopment != nil:
		return backend.Config{Kind: backend.KindLocalDevelopment, Ports: b.LocalDevelopment.Ports}
	case b.RemoteFleet != nil:
		return backend.Config{
			Kind:  backend.KindRemoteFleet,
			Ports: b.RemoteFleet.Ports,
			RemoteFleet: backend.RemoteFleetConfig{
				Endpoint:          b.RemoteFleet.Endpoint,
				Token:             b.RemoteFleet.Token,
				Build:             b.RemoteFleet.Build,
				RequestsPerSecond: b.RemoteFleet.RequestsPerSecond,
				Burst:             b.RemoteFleet.Burst,
			},
		}
	default:
		return backend.Config{Kind: backend.KindTest}
	}
}

// Manager converts the lobby settings into lobby.Config for one manager.
func (c Config) Manager(managerID string) lobby.Config {
	return lobby.Config{
		ManagerID:              managerID,
		Regions:                append([]string(nil), c.Lobbies.Regions...),
		MaxPlayers:             c.Lobbies.MaxPlayers,
		DefaultPorts:           c.Backend().Ports,
		AdminToken:             c.Admin.Token,
		UnreadyExpireAfter:     c.Lobbies.UnreadyExpireAfter.Duration(),
		EmptyExpireAfter:       c.Lobbies.EmptyExpireAfter.Duration(),
		UnconnectedExpireAfter: c.Players.UnconnectedExpireAfter.Duration(),
		ProvisioningTimeout:    c.Lobbies.ProvisioningTimeout.Duration(),
		GCInterval:             c.GCInterval.Duration(),
		ServerPollInterval:     c.ServerPollInterval.Duration(),
		ServerPollConcurrency:  c.ServerPollConcurrency,
		BackendCallTimeout:     c.BackendCallTimeout.Duration(),
	}
}

// ParsePorts reads "name=protocol:host:port" entries separated by commas.
// Host and port may be empty for ports the provisioning service binds.
func ParsePorts(s string) (map[string]backend.Port, error) {
	ports := make(map[string]backend.Port)
	for _, entry := range splitList(s) {
		name, spec, ok := strings.Cut(entry, "=")
		name, spec = strings.TrimSpace(name), strings.TrimSpace(spec)
		if !ok || name == "" {
			return nil, fmt.Errorf("port entry %q: expected name=protocol:host:port", entry)
		}
		parts := strings.Split(spec, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("port entry %q: expected name=protocol:host:port", entry)
		}
		p := backend.Port{Protocol: backend.Protocol(parts[0]), Hostname: parts[1], Routing: backend.RoutingHost}
		if parts[2] != "" {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n <= 0 || n > 65535 {
				return nil, fmt.Errorf("port entry %q: invalid port %q", entry, parts[2])
			}
			p.Port = n
			p.InternalPort = n
		}
		ports[name] = p
	}
	return ports, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or returns a default value.
func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}

func getEnvFloat(key string, defVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defVal
	}
	return f
}

func getEnvMillis(key string, defVal Millis) Millis {
	return Millis(getEnvInt(key, int(defVal)))
}
