package pushbus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	h := NewHandler(hub, func(r *http.Request) (string, bool) {
		return "operator-1", true
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPublishDeliversToSubscribedSession(t *testing.T) {
	hub := NewHub()
	_, wsURL := newTestServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForSessionCount(t, hub, 1)

	hub.Publish(Event{Type: EventIncidentOpened, SiteID: "site-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != EventIncidentOpened || got.SiteID != "site-1" {
		t.Fatalf("got %+v, want incident_opened/site-1", got)
	}
}

func TestSessionRemovedOnDisconnect(t *testing.T) {
	hub := NewHub()
	_, wsURL := newTestServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForSessionCount(t, hub, 1)

	conn.Close()
	waitForSessionCount(t, hub, 0)
}

func TestUnauthorizedUpgradeRejected(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, func(r *http.Request) (string, bool) { return "", false })
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func waitForSessionCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SessionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session count = %d, want %d", hub.SessionCount(), want)
}
