package checkin

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxCheckinBodyBytes bounds one check-in request body. A well-formed
// request is a handful of fields plus one credential per enabled Windows
// target; this is generous for any real site and rejects anything that
// looks like an attempt to exhaust memory before JSON decoding even starts.
const maxCheckinBodyBytes = 1 << 20 // 1 MiB

// Handler serves the /api/appliances/checkin HTTP endpoint. Errors are
// reported using the wire error taxonomy: BadRequest, BadIdentity,
// SchemaViolation, TooLarge, Backoff, Retry.
type Handler struct {
	db        *DB
	authToken string // If non-empty, validates Bearer token on every request

	minIntervalMu sync.Mutex
	lastCheckin   map[string]time.Time // site_id -> last accepted check-in
	minInterval   time.Duration
}

// NewHandler creates a new checkin handler.
// If authToken is non-empty, all requests must include a matching Bearer token.
func NewHandler(db *DB, authToken string) *Handler {
	return &Handler{
		db:          db,
		authToken:   authToken,
		lastCheckin: make(map[string]time.Time),
		minInterval: 5 * time.Second,
	}
}

// ServeHTTP handles POST /api/appliances/checkin.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read body once, capped, so we can parse site_id for per-site auth
	// before a malformed or oversized body gets anywhere near JSON decode.
	r.Body = http.MaxBytesReader(w, r.Body, maxCheckinBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "TooLarge", "request body exceeds the per-check-in limit")
			return
		}
		writeError(w, http.StatusBadRequest, "BadRequest", "failed to read body")
		return
	}

	var req CheckinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON: "+err.Error())
		return
	}

	// Rate-limit by site_id as soon as it's known, ahead of full schema and
	// auth checks — a misbehaving site hammering the endpoint with garbage
	// bodies shouldn't get unlimited free validation/auth attempts either.
	if wait, ok := h.tooSoon(req.SiteID); ok {
		w.Header().Set("Retry-After", wait.String())
		writeError(w, http.StatusTooManyRequests, "Backoff", "check-in interval exceeded; slow down")
		return
	}

	// A parseable body that lacks a required field is a SchemaViolation,
	// distinct from a BadRequest (body that isn't even parseable JSON).
	if req.SiteID == "" || req.Hostname == "" || req.MACAddress == "" {
		writeError(w, http.StatusUnprocessableEntity, "SchemaViolation", "site_id, hostname, and mac_address are required")
		return
	}

	// Validate auth: accept static token OR per-site API key
	auth := r.Header.Get("Authorization")
	bearerToken := strings.TrimPrefix(auth, "Bearer ")
	if !strings.HasPrefix(auth, "Bearer ") {
		bearerToken = ""
	}

	if h.authToken != "" || bearerToken != "" {
		authorized := false

		// Check 1: static auth token match
		if h.authToken != "" && bearerToken == h.authToken {
			authorized = true
		}

		// Check 2: per-site API key from appliance_provisioning
		if !authorized && bearerToken != "" && req.SiteID != "" && h.db != nil {
			valid, err := h.db.ValidateAPIKey(r.Context(), req.SiteID, bearerToken)
			if err != nil {
				log.Printf("[checkin] per-site auth check error for %s: %v", req.SiteID, err)
			}
			if valid {
				authorized = true
			}
		}

		// If auth token is configured but neither method matched, reject
		if h.authToken != "" && !authorized {
			writeError(w, http.StatusUnauthorized, "BadIdentity", "invalid or missing Bearer token")
			return
		}
	}

	start := time.Now()

	resp, err := h.db.ProcessCheckin(r.Context(), req)
	if err != nil {
		log.Printf("[checkin] ERROR processing %s/%s: %v", req.SiteID, req.Hostname, err)
		writeError(w, http.StatusInternalServerError, "Retry", "checkin failed")
		return
	}

	elapsed := time.Since(start)
	log.Printf("[checkin] %s/%s -> %s (%d orders, %d win, %d lin) in %v",
		req.SiteID, req.Hostname, resp.ApplianceID,
		len(resp.PendingOrders), len(resp.WindowsTargets), len(resp.LinuxTargets),
		elapsed)

	writeJSON(w, http.StatusOK, resp)
}

// tooSoon enforces a floor on how often one site may check in, independent
// of that site's configured tick interval — a misconfigured or compromised
// appliance hammering the endpoint shouldn't be able to multiply its own
// request rate past what any legitimate tick loop would produce.
func (h *Handler) tooSoon(siteID string) (time.Duration, bool) {
	if siteID == "" {
		return 0, false
	}
	h.minIntervalMu.Lock()
	defer h.minIntervalMu.Unlock()

	if h.lastCheckin == nil {
		h.lastCheckin = make(map[string]time.Time)
	}
	if h.minInterval == 0 {
		h.minInterval = 5 * time.Second
	}

	now := time.Now()
	if last, ok := h.lastCheckin[siteID]; ok {
		if elapsed := now.Sub(last); elapsed < h.minInterval {
			return h.minInterval - elapsed, true
		}
	}
	h.lastCheckin[siteID] = now
	return 0, false
}

// RegisterRoutes adds the checkin route to a ServeMux.
func RegisterRoutes(mux *http.ServeMux, handler *Handler) {
	mux.Handle("/api/appliances/checkin", handler)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
