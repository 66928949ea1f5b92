// internal/backend/backend.go
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind names one of the three provisioning strategies.
type Kind string

const (
	KindTest             Kind = "test"
	KindLocalDevelopment Kind = "local-development"
	KindRemoteFleet      Kind = "remote-fleet"
)

var (
	// ErrBackendUnavailable marks a transient adapter failure. Reconciliation
	// swallows it and retries on the next tick.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrRejected is returned when the provisioning service refuses a request outright.
	ErrRejected = errors.New("backend rejected request")
	// ErrUnknownKind is returned by New for a kind outside the closed set.
	ErrUnknownKind = errors.New("unknown backend kind")
)

// Backend provisions the servers that back lobbies. Implementations must be
// safe for concurrent use; the lobby manager calls them outside its
// single-writer loop.
type Backend interface {
	Kind() Kind
	// CreateServer requests a server and returns its remote id without waiting
	// for the server to come up. Resolution is observed via PollServer.
	CreateServer(ctx context.Context, req CreateServerRequest) (string, error)
	PollServer(ctx context.Context, remoteID string) (PollResult, error)
	// DestroyServer is idempotent: destroying an unknown or already destroyed
	// server succeeds.
	DestroyServer(ctx context.Context, remoteID string) error
}

// CreateServerRequest describes the server a lobby needs.
type CreateServerRequest struct {
	ServerID string
	LobbyID  string
	Region   string
	Version  string
	Tags     map[string]string
	Ports    map[string]Port
}

// Config selects and configures an adapter.
type Config struct {
	Kind        Kind              `yaml:"kind"`
	Ports       map[string]Port   `yaml:"ports"`
	RemoteFleet RemoteFleetConfig `yaml:"remoteFleet"`
}

// New builds the adapter named by cfg.Kind.
func New(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case KindTest:
		return NewTest(), nil
	case KindLocalDevelopment:
		return NewLocalDevelopment(cfg.Ports), nil
	case KindRemoteFleet:
		rf, err := NewRemoteFleet(cfg.RemoteFleet)
		if err != nil {
			return nil, err
		}
		return rf, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
