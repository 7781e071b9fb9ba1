package app

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"tracker/api/internal/ws"
)

// handleNotificationsWS upgrades the connection and parks it in the hub room
// of the authenticated user. The token comes from the query string because
// browsers cannot set headers on websocket dials. A missing or invalid token
// still upgrades; the hub then closes the socket with a policy violation.
func (s *HTTPServer) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "WS_UNAVAILABLE", "Notifications not available", nil)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	userID := ""
	if token != "" {
		if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			userID = session.UserID
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == s.corsOrigin
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	if err := s.hub.ServeConn(conn, userID); err != nil && !errors.Is(err, ws.ErrNoUser) {
		log.Printf("ws: serve connection: %v", err)
	}
}
