// internal/handlers/player_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	"github.com/sirupsen/logrus"
)

// PresenceSubprotocol must be offered by clients of the presence socket.
const PresenceSubprotocol = "lobbyd.presence"

// presenceCheckInterval is how often an open socket re-checks that its player
// still exists. Read when the handler is built.
var presenceCheckInterval = 5 * time.Second

type presenceHello struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	LobbyID  string `json:"lobbyId"`
}

// PlayerWSHandler serves GET players/ws?token=. The socket marks the player
// connected when it opens and removes the player when it closes. It is closed
// by the server if the player is removed or the lobby destroyed meanwhile.
func PlayerWSHandler(logger *logrus.Logger, mgr *lobby.Manager) http.HandlerFunc {
	interval := presenceCheckInterval
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		player, err := mgr.PlayerByToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{PresenceSubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != PresenceSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the "+PresenceSubprotocol+" subprotocol")
			return
		}

		if err := mgr.MarkPlayerConnected(r.Context(), token); err != nil {
			c.Close(InvalidPlayerTokenError, "player not found")
			return
		}
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go watchPresence(ctx, c, mgr, interval, token, player.LobbyID)

		hello := presenceHello{Type: "connected", PlayerID: player.ID, LobbyID: player.LobbyID}
		if err := wsjson.Write(ctx, c, hello); err != nil {
			logger.WithError(err).Debug("presence hello not delivered")
		}

		readErr := readUntilClosed(ctx, c)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, readErr)

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		err = mgr.LeavePlayer(leaveCtx, token)
		if err != nil && !errors.Is(err, lobby.ErrInvalidToken) && !errors.Is(err, lobby.ErrManagerClosed) {
			logger.WithFields(logrus.Fields{
				"player_id": player.ID,
				"lobby_id":  player.LobbyID,
			}).WithError(err).Warn("failed to remove disconnected player")
		}
	}
}

// readUntilClosed discards client messages until the connection ends. A
// normal close returns nil.
func readUntilClosed(ctx context.Context, c *websocket.Conn) error {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway,
				InvalidPlayerTokenError, LobbyDestroyedError:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// watchPresence closes c once the player is no longer in the manager.
func watchPresence(ctx context.Context, c *websocket.Conn, mgr *lobby.Manager, interval time.Duration, token, lobbyID string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := mgr.PlayerByToken(ctx, token)
		switch {
		case err == nil, ctx.Err() != nil:
			continue
		case errors.Is(err, lobby.ErrManagerClosed):
			c.Close(websocket.StatusGoingAway, "lobby manager stopped")
			return
		}
		if meta, err := mgr.LobbyDestroyMeta(ctx, lobbyID); err == nil {
			c.Close(LobbyDestroyedError, meta.Reason)
		} else {
			c.Close(InvalidPlayerTokenError, "player removed")
		}
		return
	}
}
