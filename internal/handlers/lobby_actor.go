// internal/handlers/lobby_actor.go
package handlers

import (
	"context"

	"github.com/jason-s-yu/lobbyd/internal/actor"
	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/sirupsen/logrus"
)

// LobbyManagerActorName is the tags["name"] value that selects a lobby manager.
const LobbyManagerActorName = "lobby-manager"

type lobbyManagerActor struct {
	*LobbyAPI
}

func (a *lobbyManagerActor) Close() error {
	return a.mgr.Close()
}

// LobbyManagerFactory hosts one lobby manager per actor. The actor id is the
// manager id, so a re-hosted actor restores the same snapshot.
func LobbyManagerFactory(logger *logrus.Logger, config func(managerID string) lobby.Config, be backend.Backend, opts ...lobby.Option) actor.Factory {
	return func(ctx context.Context, rec actor.Record) (actor.Actor, error) {
		all := append([]lobby.Option{lobby.WithLogger(logger)}, opts...)
		mgr, err := lobby.New(ctx, config(rec.ID), be, all...)
		if err != nil {
			return nil, err
		}
		return &lobbyManagerActor{LobbyAPI: NewLobbyAPI(logger, mgr)}, nil
	}
}
