// Package pushbus implements the plane's real-time push bus (C9): a single
// WebSocket topic per signed-in operator session, fed by the rest of the
// plane (incident opens/resolves, pattern promotions, checkins, drift
// observations, order status changes) and delivered best-effort to every
// subscribed session.
//
// Uses a mutex-guarded map-of-clients, the same shape the rest of this
// codebase uses for any fan-out session registry.
package pushbus

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType enumerates the state changes clients are notified of. Each
// carries only enough to invalidate a client-side cache; clients pull
// details separately.
type EventType string

const (
	EventApplianceCheckin EventType = "appliance_checkin"
	EventIncidentOpened   EventType = "incident_opened"
	EventIncidentResolved EventType = "incident_resolved"
	EventPatternPromoted  EventType = "pattern_promoted"
	EventDriftObserved    EventType = "drift_observed"
	EventOrderStatus      EventType = "order_status"
)

// Event is the minimal payload pushed to every subscribed operator session.
type Event struct {
	Type   EventType `json:"type"`
	SiteID string    `json:"site_id,omitempty"`
	IDs    []string  `json:"ids,omitempty"`
}

const (
	keepaliveInterval = 30 * time.Second
	writeWait         = 10 * time.Second
	sendBuffer        = 32
)

// session is one connected operator's WebSocket, with a buffered outbound
// channel so a slow reader can't block the hub's broadcast loop.
type session struct {
	id       string
	operator string
	conn     *websocket.Conn
	send     chan Event
}

// Hub fans Event broadcasts out to every subscribed operator session.
// Delivery is best-effort: there is no acknowledgement or retry, an event is
// dropped for a session whose send buffer is full, and a session that
// disconnects mid-send is dropped and must reconnect and re-fetch current
// state — no backfill.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*session)}
}

// Subscribe registers conn under a session ID and starts its write pump. It
// blocks, running the session's read loop (used only to detect client
// disconnect and to answer pings), until the connection closes — callers
// typically run it in its own goroutine per accepted WebSocket upgrade.
func (h *Hub) Subscribe(sessionID, operator string, conn *websocket.Conn) {
	sess := &session{id: sessionID, operator: operator, conn: conn, send: make(chan Event, sendBuffer)}

	h.mu.Lock()
	h.sessions[sessionID] = sess
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		close(sess.send)
		conn.Close()
	}()

	go h.writePump(sess)
	h.readPump(sess)
}

// writePump serializes every write to conn (required by gorilla/websocket:
// at most one writer at a time) and sends a keepalive ping on an idle timer.
func (h *Hub) writePump(sess *session) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sess.send:
			if !ok {
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteJSON(evt); err != nil {
				log.Printf("[pushbus] write failed for session %s: %v", sess.id, err)
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames (operators never send data over this
// topic) until the connection errors or closes, which is the hub's signal
// to tear the session down.
func (h *Hub) readPump(sess *session) {
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish broadcasts evt to every subscribed session. A session whose send
// buffer is full is considered unresponsive and skipped for this event
// rather than blocking every other subscriber.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sess := range h.sessions {
		select {
		case sess.send <- evt:
		default:
			log.Printf("[pushbus] dropping event for slow session %s (type=%s)", sess.id, evt.Type)
		}
	}
}

// PublishToSite broadcasts evt only to sessions whose operator is scoped to
// siteID, per role gating defined in C10; scope is resolved by the caller
// and passed in as allowedOperators.
func (h *Hub) PublishToSite(evt Event, allowedOperators map[string]bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sess := range h.sessions {
		if !allowedOperators[sess.operator] {
			continue
		}
		select {
		case sess.send <- evt:
		default:
			log.Printf("[pushbus] dropping event for slow session %s (type=%s)", sess.id, evt.Type)
		}
	}
}

// SessionCount reports how many operator sessions are currently subscribed.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
