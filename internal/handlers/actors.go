// internal/handlers/actors.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/lobbyd/internal/actor"
	"github.com/sirupsen/logrus"
)

// ActorsHandler serves POST /actors: resolve or create an actor and return
// its endpoint.
func ActorsHandler(logger *logrus.Logger, router *actor.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req actor.ActorsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		resp, err := router.Query(r.Context(), req)
		if err != nil {
			if status, _ := statusFor(err); status == http.StatusInternalServerError {
				logger.WithError(err).Error("actor query failed")
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
