// Package incidents implements the plane-side incident and pattern store
// (C7): it projects evidence bundles into incidents grouped by
// (site_id, check_type, fingerprint), aggregates L2 outcomes into patterns,
// and computes L2->L1 promotion candidates.
//
// Grounded on internal/checkin/db.go's pgx/v5 pool + FOR UPDATE row-locking
// idiom, extended here from appliance dedup to incident/pattern bookkeeping.
package incidents

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osiriscare/fleetguard/internal/domain"
)

// Store wraps a pgx connection pool for incident and pattern persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store from an already-open pool, matching checkin.NewDB's
// convention of taking ownership of a *pgxpool.Pool the caller constructed.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// PatternID computes the MD5-derived pattern identity from an incident type
// and runbook ID, per spec: pattern_id = MD5(incident_type + ":" + runbook_id).
func PatternID(incidentType, runbookID string) string {
	sum := md5.Sum([]byte(incidentType + ":" + runbookID))
	return hex.EncodeToString(sum[:])
}

// RecordBundleOutcome projects one evidence bundle into the incident table:
// opens an incident on an unresolved outcome (L3_escalate/failed/reverted/
// deferred), resolves the open incident for the same fingerprint on a clean
// outcome (none/L1/L2 with post_state "ok"), and is a no-op otherwise. It
// always runs inside a single transaction so the open-or-resolve decision
// is made against a consistent row.
func (s *Store) RecordBundleOutcome(ctx context.Context, siteID, checkType, fingerprint string, action domain.ActionTaken, postStateOK bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	switch {
	case isUnresolvedAction(action):
		if err := s.openIncident(ctx, tx, siteID, checkType, fingerprint); err != nil {
			return err
		}
	case postStateOK && isCleanAction(action):
		if err := s.resolveIncident(ctx, tx, siteID, fingerprint); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func isUnresolvedAction(a domain.ActionTaken) bool {
	switch a {
	case domain.ActionL3Escalate, domain.ActionFailed, domain.ActionReverted, domain.ActionDeferred:
		return true
	default:
		return false
	}
}

func isCleanAction(a domain.ActionTaken) bool {
	switch a {
	case domain.ActionNone, domain.ActionL1, domain.ActionL2:
		return true
	default:
		return false
	}
}

// openIncident inserts a new open incident for (site_id, check_type,
// fingerprint) unless one is already open, using an INSERT ... WHERE NOT
// EXISTS guard so a repeated tick does not open a second incident.
func (s *Store) openIncident(ctx context.Context, tx pgx.Tx, siteID, checkType, fingerprint string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO incidents (site_id, check_type, fingerprint, status, opened_at)
		SELECT $1, $2, $3, 'open', NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM incidents
			WHERE site_id = $1 AND check_type = $2 AND fingerprint = $3 AND status != 'resolved'
		)
	`, siteID, checkType, fingerprint)
	if err != nil {
		return fmt.Errorf("open incident: %w", err)
	}
	return nil
}

// resolveIncident closes the open (or acknowledged) incident matching the
// fingerprint, locking the row first so a concurrent resolve from another
// tick can't race the update.
func (s *Store) resolveIncident(ctx context.Context, tx pgx.Tx, siteID, fingerprint string) error {
	var id string
	err := tx.QueryRow(ctx, `
		SELECT incident_id FROM incidents
		WHERE site_id = $1 AND fingerprint = $2 AND status != 'resolved'
		FOR UPDATE
	`, siteID, fingerprint).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil // nothing open for this fingerprint
	}
	if err != nil {
		return fmt.Errorf("lock incident: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE incidents SET status = 'resolved', resolved_at = NOW() WHERE incident_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	return nil
}

// AcknowledgeIncident records operator acknowledgement.
func (s *Store) AcknowledgeIncident(ctx context.Context, incidentID, operator string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE incidents SET status = 'acknowledged', acked_by = $2
		WHERE incident_id = $1 AND status = 'open'
	`, incidentID, operator)
	if err != nil {
		return fmt.Errorf("acknowledge incident: %w", err)
	}
	return nil
}

// ListIncidents returns incidents for a site, newest first.
func (s *Store) ListIncidents(ctx context.Context, siteID string, limit int) ([]domain.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, site_id, check_type, fingerprint, status, opened_at, resolved_at, acked_by
		FROM incidents
		WHERE site_id = $1
		ORDER BY opened_at DESC
		LIMIT $2
	`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		if err := rows.Scan(&inc.IncidentID, &inc.SiteID, &inc.CheckType, &inc.Fingerprint,
			&inc.Status, &inc.OpenedAt, &inc.ResolvedAt, &inc.AckedBy); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
