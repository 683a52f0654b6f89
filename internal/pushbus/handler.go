package pushbus

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// SessionResolver authenticates an incoming upgrade request and returns the
// operator identity to subscribe under, backed by C10's operator session
// store. Returning ok=false rejects the upgrade.
type SessionResolver func(r *http.Request) (operator string, ok bool)

// Handler upgrades HTTP connections to the push-bus WebSocket topic.
type Handler struct {
	hub      *Hub
	resolve  SessionResolver
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler. CheckOrigin is left to the caller's reverse
// proxy/CORS policy in production; tests may construct the Upgrader
// directly via Hub.Subscribe instead of going through HTTP.
func NewHandler(hub *Hub, resolve SessionResolver) *Handler {
	return &Handler{
		hub:     hub,
		resolve: resolve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP upgrades GET /ws to a WebSocket and subscribes it to the hub
// under the resolved operator identity. Runs until the client disconnects;
// clients are expected to reconnect with exponential backoff
// {1,2,5,10,30}s and re-fetch current state rather than expect backfill.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.resolve(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := operator + ":" + r.RemoteAddr
	h.hub.Subscribe(sessionID, operator, conn)
}
