// Package adminapi serves the operator-facing control-plane surface: order
// issuance, incident acknowledgement, and pattern promotion/rejection. Every
// write endpoint is gated by internal/trust.SessionStore.RequireRole, mirroring
// internal/checkin/handler.go's Bearer-auth shape but keyed off a cookie
// session and a role rank instead of a single shared token.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/osiriscare/fleetguard/internal/checkin"
	"github.com/osiriscare/fleetguard/internal/incidents"
	"github.com/osiriscare/fleetguard/internal/issuer"
	"github.com/osiriscare/fleetguard/internal/pushbus"
	"github.com/osiriscare/fleetguard/internal/trust"
)

// Handler wires the order issuer and the incident/pattern store behind
// session-gated HTTP endpoints.
type Handler struct {
	db       *checkin.DB
	iss      *issuer.Issuer
	store    *incidents.Store
	sessions *trust.SessionStore
	hub      *pushbus.Hub
}

// NewHandler builds an admin API handler. hub may be nil — publishing is
// skipped when no push bus is wired.
func NewHandler(db *checkin.DB, iss *issuer.Issuer, store *incidents.Store, sessions *trust.SessionStore, hub *pushbus.Hub) *Handler {
	return &Handler{db: db, iss: iss, store: store, sessions: sessions, hub: hub}
}

// RegisterRoutes mounts the admin API under /api/admin/.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("/api/admin/login", h.handleLogin)
	mux.HandleFunc("/api/admin/orders", h.sessions.RequireRole(trust.RoleOperator, h.handleIssueOrder))
	mux.HandleFunc("/api/admin/incidents", h.sessions.RequireRole(trust.RoleReadonly, h.handleListIncidents))
	mux.HandleFunc("/api/admin/incidents/ack", h.sessions.RequireRole(trust.RoleOperator, h.handleAckIncident))
	mux.HandleFunc("/api/admin/patterns/candidates", h.sessions.RequireRole(trust.RoleReadonly, h.handleListCandidates))
	mux.HandleFunc("/api/admin/patterns/promote", h.sessions.RequireRole(trust.RoleAdmin, h.handlePromote))
	mux.HandleFunc("/api/admin/patterns/reject", h.sessions.RequireRole(trust.RoleAdmin, h.handleReject))
}

type loginRequest struct {
	Operator string     `json:"operator"`
	Role     trust.Role `json:"role"`
}

// handleLogin mints an operator session cookie. The identity check itself
// (password, SSO) is an external collaborator left to the deployment's
// reverse proxy; this endpoint only mints the session once that check has
// already passed upstream.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	cookie, err := h.sessions.Login(req.Operator, req.Role)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type issueOrderRequest struct {
	SiteID      string                 `json:"site_id"`
	ApplianceID string                 `json:"appliance_id"`
	OrderType   string                 `json:"order_type"`
	Parameters  map[string]interface{} `json:"parameters"`
	TTLSeconds  int                    `json:"ttl_seconds"`
}

func (h *Handler) handleIssueOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req issueOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	signed, err := h.db.IssueAdminOrder(r.Context(), h.iss, req.SiteID, req.ApplianceID, req.OrderType, req.Parameters, req.TTLSeconds)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if h.hub != nil {
		h.hub.Publish(pushbus.Event{Type: pushbus.EventOrderStatus, SiteID: req.SiteID, IDs: []string{signed.OrderID}})
	}
	writeJSON(w, http.StatusOK, signed)
}

func (h *Handler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	siteID := r.URL.Query().Get("site_id")
	list, err := h.store.ListIncidents(r.Context(), siteID, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type ackIncidentRequest struct {
	IncidentID string `json:"incident_id"`
}

func (h *Handler) handleAckIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ackIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sess, _ := h.sessions.Authenticate(r)
	operator := "unknown"
	if sess != nil {
		operator = sess.Operator
	}
	if err := h.store.AcknowledgeIncident(r.Context(), req.IncidentID, operator); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	candidates, err := h.store.ListCandidates(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

type promoteRequest struct {
	PatternID     string   `json:"pattern_id"`
	HIPAAMappings []string `json:"hipaa_mappings"`
}

func (h *Handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rule, err := h.store.Promote(r.Context(), req.PatternID, req.HIPAAMappings)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if h.hub != nil {
		h.hub.Publish(pushbus.Event{Type: pushbus.EventPatternPromoted, IDs: []string{req.PatternID}})
	}
	writeJSON(w, http.StatusOK, rule)
}

type rejectRequest struct {
	PatternID string `json:"pattern_id"`
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.store.Reject(r.Context(), req.PatternID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
