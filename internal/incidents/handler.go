package incidents

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/osiriscare/fleetguard/internal/domain"
)

// Handler serves the fleet-side incident ingestion surface: the appliance's
// daemon posts drift-opened and drift-healed reports here, separately from
// internal/adminapi's session-gated operator surface. Mirrors
// internal/evidencechain.Handler's single-static-token Bearer auth.
type Handler struct {
	store     *Store
	authToken string
}

// NewHandler builds a fleet ingestion handler. An empty authToken disables
// the Bearer check (development only).
func NewHandler(store *Store, authToken string) *Handler {
	return &Handler{store: store, authToken: authToken}
}

// RegisterRoutes wires POST /api/fleet/incidents, /api/fleet/incidents/resolve,
// and /api/fleet/patterns onto mux.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("/api/fleet/incidents", h.handleOpen)
	mux.HandleFunc("/api/fleet/incidents/resolve", h.handleResolve)
	mux.HandleFunc("/api/fleet/patterns", h.handlePattern)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.authToken
}

type reportRequest struct {
	SiteID      string `json:"site_id"`
	CheckType   string `json:"check_type"`
	Fingerprint string `json:"fingerprint"`
	Action      string `json:"action"`
}

// handleOpen serves POST /api/fleet/incidents — a drift finding that has not
// yet healed (action is one of the unresolved outcomes).
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, false)
}

// handleResolve serves POST /api/fleet/incidents/resolve — a finding that
// healed cleanly (action is L1, L2, or none).
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, true)
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request, postStateOK bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	err := h.store.RecordBundleOutcome(r.Context(), req.SiteID, req.CheckType, req.Fingerprint,
		domain.ActionTaken(req.Action), postStateOK)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type patternRequest struct {
	IncidentType string `json:"incident_type"`
	RunbookID    string `json:"runbook_id"`
	Success      bool   `json:"success"`
}

// handlePattern serves POST /api/fleet/patterns — an L2 resolution attempt,
// successful or not, feeding the L2->L1 promotion learning loop.
func (h *Handler) handlePattern(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.RunbookID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}
	pattern, err := h.store.RecordL2Outcome(r.Context(), req.IncidentType, req.RunbookID, req.Success)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pattern)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
