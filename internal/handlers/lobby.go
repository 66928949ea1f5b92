// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/tags"
	"github.com/sirupsen/logrus"
)

// LobbyAPI exposes one lobby manager over HTTP. Paths are relative to the
// actor's endpoint.
type LobbyAPI struct {
	mgr    *lobby.Manager
	logger *logrus.Logger
	mux    *http.ServeMux
}

func NewLobbyAPI(logger *logrus.Logger, mgr *lobby.Manager) *LobbyAPI {
	a := &LobbyAPI{mgr: mgr, logger: logger, mux: http.NewServeMux()}

	a.mux.HandleFunc("POST /lobbies/create", a.createLobby)
	a.mux.HandleFunc("POST /lobbies/get-or-create", a.getOrCreateLobby)
	a.mux.HandleFunc("POST /lobbies/ready", a.setLobbyReady)
	a.mux.HandleFunc("POST /lobbies/join", a.joinLobby)
	a.mux.HandleFunc("GET /lobbies/destroy-meta", a.lobbyDestroyMeta)
	a.mux.HandleFunc("POST /players/connected", a.playerConnected)
	a.mux.HandleFunc("POST /players/leave", a.playerLeave)
	a.mux.HandleFunc("GET /players/ws", PlayerWSHandler(logger, mgr))
	a.mux.HandleFunc("POST /admin/lobbies/get", a.adminGetLobby)
	a.mux.HandleFunc("POST /admin/lobbies/list", a.adminListLobbies)
	a.mux.HandleFunc("POST /admin/lobbies/destroy", a.adminDestroyLobby)
	return a
}

func (a *LobbyAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// fail writes err and logs it when it is not a client error.
func (a *LobbyAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := statusFor(err); status >= http.StatusInternalServerError {
		a.logger.WithFields(logrus.Fields{
			"manager_id": a.mgr.ID(),
			"path":       r.URL.Path,
		}).WithError(err).Error("lobby request failed")
	}
	writeError(w, err)
}

func (a *LobbyAPI) createLobby(w http.ResponseWriter, r *http.Request) {
	var spec lobby.CreateLobbySpec
	if err := decodeJSON(r, &spec); err != nil {
		a.fail(w, r, err)
		return
	}
	l, err := a.mgr.CreateLobby(r.Context(), spec)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type getOrCreateRequest struct {
	Tags   tags.Tags              `json:"tags"`
	Create *lobby.CreateLobbySpec `json:"create,omitempty"`
}

type getOrCreateResponse struct {
	Lobby   *lobby.Lobby `json:"lobby"`
	Created bool         `json:"created"`
}

func (a *LobbyAPI) getOrCreateLobby(w http.ResponseWriter, r *http.Request) {
	var req getOrCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	l, created, err := a.mgr.GetOrCreateForTags(r.Context(), req.Tags, req.Create)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, getOrCreateResponse{Lobby: l, Created: created})
}

type lobbyTokenRequest struct {
	LobbyToken string `json:"lobbyToken"`
}

func (a *LobbyAPI) setLobbyReady(w http.ResponseWriter, r *http.Request) {
	var req lobbyTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.mgr.SetLobbyReady(r.Context(), req.LobbyToken); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type joinRequest struct {
	LobbyID       string `json:"lobbyId"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
	Direct        bool   `json:"direct,omitempty"`
}

func (a *LobbyAPI) joinLobby(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.RemoteAddress == "" {
		req.RemoteAddress = r.RemoteAddr
	}
	p, err := a.mgr.JoinLobby(r.Context(), req.LobbyID, lobby.PlayerSpec{
		RemoteAddress: req.RemoteAddress,
		Direct:        req.Direct,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *LobbyAPI) lobbyDestroyMeta(w http.ResponseWriter, r *http.Request) {
	lobbyID := r.URL.Query().Get("lobbyId")
	if lobbyID == "" {
		a.fail(w, r, badRequest("missing lobbyId"))
		return
	}
	meta, err := a.mgr.LobbyDestroyMeta(r.Context(), lobbyID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type playerTokenRequest struct {
	PlayerToken string `json:"playerToken"`
}

func (a *LobbyAPI) playerConnected(w http.ResponseWriter, r *http.Request) {
	var req playerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.mgr.MarkPlayerConnected(r.Context(), req.PlayerToken); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *LobbyAPI) playerLeave(w http.ResponseWriter, r *http.Request) {
	var req playerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.mgr.LeavePlayer(r.Context(), req.PlayerToken); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type adminLobbyRequest struct {
	LobbyID string `json:"lobbyId"`
	Reason  string `json:"reason,omitempty"`
}

func (a *LobbyAPI) adminGetLobby(w http.ResponseWriter, r *http.Request) {
	var req adminLobbyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	l, err := a.mgr.AdminGetLobby(r.Context(), bearerToken(r), req.LobbyID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type adminListResponse struct {
	Lobbies []*lobby.Lobby `json:"lobbies"`
}

func (a *LobbyAPI) adminListLobbies(w http.ResponseWriter, r *http.Request) {
	lobbies, err := a.mgr.AdminListLobbies(r.Context(), bearerToken(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminListResponse{Lobbies: lobbies})
}

func (a *LobbyAPI) adminDestroyLobby(w http.ResponseWriter, r *http.Request) {
	var req adminLobbyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin destroyed"
	}
	if err := a.mgr.AdminDestroyLobby(r.Context(), bearerToken(r), req.LobbyID, reason); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
