// Package evidencechain implements the plane-side evidence chain server
// (C8): it accepts signed bundles from appliances, verifies signature and
// chain link, appends to a hot Postgres index, and answers verification and
// timeline queries. Cold-tier archival is a pluggable ColdStore.
//
// Grounded on internal/checkin/db.go's pgx/v5 pool for the hot index and
// internal/evidence/builder.go's bundleHash/VerifyBundle for the crypto.
package evidencechain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osiriscare/fleetguard/internal/domain"
	"github.com/osiriscare/fleetguard/internal/evidence"
)

// Store wraps a pgx pool for the hot evidence index, plus a ColdStore for
// full-bundle archival. Storage tier is transparent to callers: the verify
// path always reads the hot index, exactly as spec requires.
type Store struct {
	pool *pgxpool.Pool
	cold ColdStore
}

// NewStore creates a Store from an open pool and a cold archival backend.
func NewStore(pool *pgxpool.Pool, cold ColdStore) *Store {
	return &Store{pool: pool, cold: cold}
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AppendResult mirrors evidence.UploadResult: what the appliance's Uploader
// expects back from a successful POST /evidence.
type AppendResult struct {
	AckSeq       int64
	NextPrevHash string
}

// ErrChainFork means the bundle's prev_hash doesn't match this appliance's
// recorded chain head.
type ErrChainFork struct {
	ExpectedPrevHash string
}

func (e *ErrChainFork) Error() string {
	return fmt.Sprintf("chain fork: expected prev_hash %s", e.ExpectedPrevHash)
}

// ErrBadSignature means the bundle's signature doesn't verify against the
// appliance's registered public key.
type ErrBadSignature struct {
	Reason string
}

func (e *ErrBadSignature) Error() string { return "bad signature: " + e.Reason }

// Append verifies a bundle's hash and signature, checks it links onto the
// appliance's recorded chain head (fork detection), and persists it. The
// whole operation runs under one row-locked transaction per appliance so
// concurrent uploads from the same appliance (retry after a timeout, say)
// can't both advance the head from the same prev_hash.
func (s *Store) Append(ctx context.Context, bundle *domain.EvidenceBundle, appliancePubKeyHex string) (*AppendResult, error) {
	if err := evidence.VerifyBundle(*bundle, appliancePubKeyHex); err != nil {
		return nil, &ErrBadSignature{Reason: err.Error()}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentHead string
	var seq int64
	err = tx.QueryRow(ctx, `
		SELECT bundle_hash, seq FROM evidence_chain_heads
		WHERE appliance_id = $1
		FOR UPDATE
	`, bundle.ApplianceID).Scan(&currentHead, &seq)
	switch {
	case err == pgx.ErrNoRows:
		currentHead = domain.GenesisHash
		seq = 0
	case err != nil:
		return nil, fmt.Errorf("lock chain head: %w", err)
	}

	if bundle.PrevHash != currentHead {
		return nil, &ErrChainFork{ExpectedPrevHash: currentHead}
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	nextSeq := seq + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO evidence_bundles (bundle_id, site_id, appliance_id, seq, check_type,
		                               action_taken, prev_hash, bundle_hash, signature, created_at, bundle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, bundle.BundleID, bundle.SiteID, bundle.ApplianceID, nextSeq, bundle.CheckType,
		string(bundle.ActionTaken), bundle.PrevHash, bundle.BundleHash, bundle.Signature,
		bundle.CreatedAt, raw)
	if err != nil {
		return nil, fmt.Errorf("insert bundle: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO evidence_chain_heads (appliance_id, bundle_hash, seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (appliance_id) DO UPDATE SET bundle_hash = $2, seq = $3
	`, bundle.ApplianceID, bundle.BundleHash, nextSeq)
	if err != nil {
		return nil, fmt.Errorf("advance chain head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if s.cold != nil {
		if err := s.cold.Archive(ctx, bundle.SiteID, bundle.BundleID, raw); err != nil {
			// Cold archival is best-effort: the hot index is the system of
			// record for verify; a failed archive doesn't block the ack.
			return &AppendResult{AckSeq: nextSeq, NextPrevHash: bundle.BundleHash}, fmt.Errorf("cold archive (non-fatal): %w", err)
		}
	}

	return &AppendResult{AckSeq: nextSeq, NextPrevHash: bundle.BundleHash}, nil
}

// ListBundles returns bundles for a site in sequence order, for the
// timeline/cursor query (GET /chain/:site_id).
func (s *Store) ListBundles(ctx context.Context, siteID string, afterSeq int64, limit int) ([]domain.EvidenceBundle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bundle FROM evidence_bundles
		WHERE site_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, siteID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EvidenceBundle
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b domain.EvidenceBundle
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("unmarshal bundle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
