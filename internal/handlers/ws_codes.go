// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the presence socket.
const (
	BadSubprotocolError     websocket.StatusCode = 3000 // Client connected without the presence subprotocol.
	InvalidPlayerTokenError websocket.StatusCode = 3001 // Player token is unknown or the player was removed.
	LobbyDestroyedError     websocket.StatusCode = 3002 // The player's lobby was destroyed while connected.
)
