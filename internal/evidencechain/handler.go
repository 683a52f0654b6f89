package evidencechain

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/osiriscare/fleetguard/internal/crypto"
	"github.com/osiriscare/fleetguard/internal/domain"
)

// KeyLookup resolves an appliance's registered Ed25519 public key, e.g.
// backed by checkin.DB's sites.agent_public_key column.
type KeyLookup func(ctx context.Context, applianceID string) (string, error)

// Handler serves the evidence chain HTTP surface (C8): POST /evidence,
// GET /chain/:site_id, POST /verify/:site_id, POST /stamp/:bundle_id.
// Mirrors checkin.Handler's shape (one struct per route family, JSON in/out,
// Bearer auth on every request).
type Handler struct {
	store     *Store
	lookupKey KeyLookup
	anchorer  crypto.Anchorer
	authToken string
}

// NewHandler builds a Handler. anchorer may be nil if stamping is disabled.
func NewHandler(store *Store, lookupKey KeyLookup, anchorer crypto.Anchorer, authToken string) *Handler {
	return &Handler{store: store, lookupKey: lookupKey, anchorer: anchorer, authToken: authToken}
}

// RegisterRoutes wires every C8 route onto mux, matching checkin.RegisterRoutes.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("/evidence", h.handleAppend)
	mux.HandleFunc("/chain/", h.handleChain)
	mux.HandleFunc("/verify/", h.handleVerify)
	mux.HandleFunc("/stamp/", h.handleStamp)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.authToken
}

// handleAppend serves POST /evidence.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}

	var bundle domain.EvidenceBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	pubKey, err := h.lookupKey(r.Context(), bundle.ApplianceID)
	if err != nil {
		log.Printf("[evidencechain] key lookup failed for %s: %v", bundle.ApplianceID, err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown appliance"})
		return
	}

	result, err := h.store.Append(r.Context(), &bundle, pubKey)
	if err != nil && result != nil {
		// Persisted, but cold archival failed: log it and still ack.
		log.Printf("[evidencechain] %v", err)
		err = nil
	}
	if err != nil {
		if fork, ok := err.(*ErrChainFork); ok {
			writeJSON(w, http.StatusConflict, map[string]string{"next_prev_hash": fork.ExpectedPrevHash})
			return
		}
		if _, ok := err.(*ErrBadSignature); ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("[evidencechain] append failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "append failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ack_seq":        result.AckSeq,
		"next_prev_hash": result.NextPrevHash,
	})
}

// handleChain serves GET /chain/:site_id?after=<seq>&limit=<n>.
func (h *Handler) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}

	siteID := strings.TrimPrefix(r.URL.Path, "/chain/")
	if siteID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "site_id is required"})
		return
	}

	after := parseIntDefault(r.URL.Query().Get("after"), 0)
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)

	bundles, err := h.store.ListBundles(r.Context(), siteID, int64(after), limit)
	if err != nil {
		log.Printf("[evidencechain] list bundles failed for %s: %v", siteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

// handleVerify serves POST /verify/:site_id.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}

	siteID := strings.TrimPrefix(r.URL.Path, "/verify/")
	if siteID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "site_id is required"})
		return
	}

	keys, err := h.applianceKeysForSite(r.Context(), siteID)
	if err != nil {
		log.Printf("[evidencechain] key lookup failed for site %s: %v", siteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key lookup failed"})
		return
	}

	result, err := h.store.Verify(r.Context(), siteID, keys)
	if err != nil {
		log.Printf("[evidencechain] verify failed for %s: %v", siteID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "verify failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// applianceKeysForSite discovers every appliance_id referenced in a site's
// chain and resolves its public key, so Verify can check signatures across
// every appliance the site has without the handler needing a dedicated
// fan-out query of its own.
func (h *Handler) applianceKeysForSite(ctx context.Context, siteID string) (map[string]string, error) {
	bundles, err := h.store.ListBundles(ctx, siteID, 0, 100000)
	if err != nil {
		return nil, err
	}
	keys := map[string]string{}
	for _, b := range bundles {
		if _, ok := keys[b.ApplianceID]; ok {
			continue
		}
		key, err := h.lookupKey(ctx, b.ApplianceID)
		if err != nil {
			continue // missing key surfaces as a signature failure in Verify
		}
		keys[b.ApplianceID] = key
	}
	return keys, nil
}

// handleStamp serves POST /stamp/:bundle_id: submits the bundle's hash to
// the external timestamping authority and returns its anchor state.
func (h *Handler) handleStamp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing Bearer token"})
		return
	}
	if h.anchorer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "external timestamping not configured"})
		return
	}

	var req struct {
		BundleHash string `json:"bundle_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BundleHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bundle_hash is required"})
		return
	}

	proof, err := h.anchorer.Stamp(r.Context(), req.BundleHash)
	if err != nil {
		log.Printf("[evidencechain] stamp failed for %s: %v", req.BundleHash, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "stamp request failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authority_url":  proof.AuthorityURL,
		"proof_bytes_b64": proof.ProofB64,
		"state":          string(crypto.StampPending),
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
