package evidencechain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osiriscare/fleetguard/internal/domain"
	"github.com/osiriscare/fleetguard/internal/evidence"
)

// VerifyResult is the response shape for POST /verify/:site_id.
type VerifyResult struct {
	OK               bool   `json:"ok"`
	BrokenAt         string `json:"broken_at,omitempty"`
	FirstTimestamp   string `json:"first_timestamp,omitempty"`
	LastTimestamp    string `json:"last_timestamp,omitempty"`
	SignaturesValid  int    `json:"signatures_valid"`
	SignaturesTotal  int    `json:"signatures_total"`
}

// Verify runs a single-pass verification over every bundle recorded for a
// site, across however many appliances the site has, checking the
// prev_hash/bundle_hash chain link and the Ed25519 signature on each bundle.
// appliancePubKeys maps appliance_id -> hex public key; a bundle from an
// appliance missing from the map fails signature verification.
func (s *Store) Verify(ctx context.Context, siteID string, appliancePubKeys map[string]string) (*VerifyResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bundle FROM evidence_bundles
		WHERE site_id = $1
		ORDER BY appliance_id, seq ASC
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("query bundles: %w", err)
	}
	defer rows.Close()

	result := VerifyResult{OK: true}
	chainHeads := map[string]string{} // appliance_id -> expected prev_hash

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b domain.EvidenceBundle
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("unmarshal bundle: %w", err)
		}

		result.SignaturesTotal++
		if result.FirstTimestamp == "" {
			result.FirstTimestamp = b.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		result.LastTimestamp = b.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")

		expectedPrev, seen := chainHeads[b.ApplianceID]
		if !seen {
			expectedPrev = domain.GenesisHash
		}
		if b.PrevHash != expectedPrev {
			result.OK = false
			if result.BrokenAt == "" {
				result.BrokenAt = b.BundleHash
			}
			continue
		}

		pubKey := appliancePubKeys[b.ApplianceID]
		if err := evidence.VerifyBundle(b, pubKey); err != nil {
			result.OK = false
			if result.BrokenAt == "" {
				result.BrokenAt = b.BundleHash
			}
			continue
		}

		result.SignaturesValid++
		chainHeads[b.ApplianceID] = b.BundleHash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &result, nil
}
