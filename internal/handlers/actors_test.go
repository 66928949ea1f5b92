package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jason-s-yu/lobbyd/internal/actor"
	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newActorServer wires the router, the in-process driver and a lobby-manager
// factory the same way cmd/server does.
func newActorServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := quietLogger()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	driver := actor.NewLocalDriver(srv.URL, logger)
	driver.Register(LobbyManagerActorName, LobbyManagerFactory(logger, testLobbyConfig, backend.NewTest()))
	t.Cleanup(driver.Close)

	router := actor.NewRouter(actor.NewMemoryIndex(), driver, logger)
	t.Cleanup(router.Close)

	mux.Handle("/actors", ActorsHandler(logger, router))
	mux.Handle("/actors/", driver)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestActorsGetOrCreateThenUseLobbyManager(t *testing.T) {
	srv := newActorServer(t)
	query := map[string]any{
		"query": map[string]any{
			"getOrCreateForTags": map[string]any{
				"tags":   map[string]string{"name": LobbyManagerActorName, "game": "duel"},
				"create": map[string]any{"region": "eu"},
			},
		},
	}

	resp := postJSON(t, srv.URL+"/actors", query)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first actor.ActorsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.True(t, strings.HasPrefix(first.Endpoint, srv.URL+"/actors/"))

	resp = postJSON(t, srv.URL+"/actors", query)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second actor.ActorsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.Equal(t, first.Endpoint, second.Endpoint)

	resp = postJSON(t, first.Endpoint+"/lobbies/create", map[string]any{"region": "eu"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var l lobby.Lobby
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&l))
	assert.NotEmpty(t, l.Token)
}

func TestActorsQueryErrors(t *testing.T) {
	srv := newActorServer(t)

	resp := postJSON(t, srv.URL+"/actors", map[string]any{"query": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/actors", map[string]any{
		"query": map[string]any{"getForId": map[string]any{"actorId": "missing"}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/actors", map[string]any{
		"query": map[string]any{"getOrCreateForTags": map[string]any{"tags": map[string]string{"name": LobbyManagerActorName}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/actors", map[string]any{
		"query": map[string]any{"create": map[string]any{"tags": map[string]string{"name": "unknown-actor"}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/actors")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}
