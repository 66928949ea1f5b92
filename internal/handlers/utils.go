package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jason-s-yu/lobbyd/internal/actor"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/tags"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Destroyed *destroyedInfo `json:"destroyed,omitempty"`
}

type destroyedInfo struct {
	LobbyID     string          `json:"lobbyId"`
	DestroyedAt lobby.Timestamp `json:"destroyedAt"`
	Reason      string          `json:"reason,omitempty"`
}

// statusFor maps a domain error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, lobby.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, lobby.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lobby.ErrInvalidToken):
		return http.StatusNotFound, "invalid_token"
	case errors.Is(err, lobby.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, lobby.ErrAlreadyDestroyed):
		return http.StatusGone, "already_destroyed"
	case errors.Is(err, lobby.ErrLobbyFull):
		return http.StatusConflict, "lobby_full"
	case errors.Is(err, lobby.ErrRegionUnavailable):
		return http.StatusBadRequest, "region_unavailable"
	case errors.Is(err, lobby.ErrNotFoundAndCreationDisabled),
		errors.Is(err, actor.ErrNotFoundAndCreationDisabled):
		return http.StatusBadRequest, "not_found_and_creation_disabled"
	case errors.Is(err, actor.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, actor.ErrInvalidQuery),
		errors.Is(err, actor.ErrUnknownActorName),
		errors.Is(err, tags.ErrEmptyKey):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, lobby.ErrManagerClosed),
		errors.Is(err, actor.ErrRouterClosed),
		errors.Is(err, actor.ErrDriverClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	var de *lobby.DestroyedError
	if errors.As(err, &de) {
		body.Destroyed = &destroyedInfo{LobbyID: de.LobbyID, DestroyedAt: de.Meta.DestroyedAt, Reason: de.Meta.Reason}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("bad request payload")
	}
	return nil
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", lobby.ErrValidation, msg)
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
