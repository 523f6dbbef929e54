package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"copyarena/internal/hub"
)

// SessionHub is the handler-facing hub surface: channel attachment for the
// two WebSocket endpoints.
type SessionHub interface {
	AttachUI(userID int64, conn *websocket.Conn) *hub.Channel
	AttachClient(userID int64, conn *websocket.Conn) *hub.Channel
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Desktop clients send no Origin header.
			return origin == "" || allowAll || allowed[origin]
		},
	}
}

// HandleClientSocket attaches a desktop client's command channel. The API
// key rides a query parameter and must belong to the user in the path: a
// client may only ever drive its own account.
func (h *Handlers) HandleClientSocket(w http.ResponseWriter, r *http.Request) {
	pathID, ok := pathUserID(r)
	if !ok {
		respondDetail(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	user, err := h.auth.VerifyAPIKey(r.Context(), r.URL.Query().Get("api_key"))
	if err != nil {
		respondError(w, err)
		return
	}
	if user.ID != pathID {
		h.logger.Warn("client socket identity mismatch",
			"key_owner", user.ID, "path_id", pathID, "remote", clientIP(r))
		respondDetail(w, http.StatusForbidden, "API key does not belong to the claimed user")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("client socket upgrade", "user_id", user.ID, "error", err)
		return
	}
	h.hub.AttachClient(user.ID, conn)
	h.logger.Info("client channel attached", "user_id", user.ID, "remote", clientIP(r))
}

// HandleUserSocket attaches a browser's UI push channel, authenticated by
// the session token in the query string.
func (h *Handlers) HandleUserSocket(w http.ResponseWriter, r *http.Request) {
	pathID, ok := pathUserID(r)
	if !ok {
		respondDetail(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	user, err := h.auth.VerifySessionToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		respondError(w, err)
		return
	}
	if user.ID != pathID {
		respondDetail(w, http.StatusForbidden, "Session does not belong to the claimed user")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("user socket upgrade", "user_id", user.ID, "error", err)
		return
	}
	h.hub.AttachUI(user.ID, conn)
}
