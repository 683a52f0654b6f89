package trust

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoginAndAuthenticate(t *testing.T) {
	store := NewSessionStore()
	cookie, err := store.Login("alice", RoleOperator)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	sess, err := store.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Operator != "alice" || sess.Role != RoleOperator {
		t.Fatalf("got %+v", sess)
	}
}

func TestAuthenticateMissingCookieFails(t *testing.T) {
	store := NewSessionStore()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := store.Authenticate(req); err == nil {
		t.Fatal("expected failure with no session cookie")
	}
}

func TestIdleSessionExpires(t *testing.T) {
	store := NewSessionStore()
	cookie, _ := store.Login("alice", RoleOperator)

	store.mu.Lock()
	store.sessions[cookie.Value].LastSeenAt = time.Now().UTC().Add(-DefaultIdleWindow - time.Minute)
	store.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := store.Authenticate(req); err == nil {
		t.Fatal("expected an idle-expired session to fail authentication")
	}
}

func TestRequireRoleGatesByRank(t *testing.T) {
	store := NewSessionStore()
	readonlyCookie, _ := store.Login("bob", RoleReadonly)

	called := false
	h := store.RequireRole(RoleOperator, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.AddCookie(readonlyCookie)
	w := httptest.NewRecorder()
	h(w, req)

	if called {
		t.Fatal("readonly session should not reach an operator-gated endpoint")
	}
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRequireRoleAllowsSufficientRole(t *testing.T) {
	store := NewSessionStore()
	adminCookie, _ := store.Login("carol", RoleAdmin)

	called := false
	h := store.RequireRole(RoleOperator, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.AddCookie(adminCookie)
	w := httptest.NewRecorder()
	h(w, req)

	if !called {
		t.Fatal("admin session should reach an operator-gated endpoint")
	}
}
