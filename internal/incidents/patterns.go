package incidents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/fleetguard/internal/domain"
)

// RecordL2Outcome updates the pattern aggregate for (incidentType, runbookID)
// after an L2 resolution attempt: every attempt increments occurrences, a
// success also increments success_count, and success_rate/last_seen are
// recomputed from the stored totals. Row-locked with FOR UPDATE so
// concurrent ticks against the same pattern serialize cleanly, matching
// checkin/db.go's dedup-merge locking idiom.
func (s *Store) RecordL2Outcome(ctx context.Context, incidentType, runbookID string, success bool) (*domain.Pattern, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := PatternID(incidentType, runbookID)

	var p domain.Pattern
	err = tx.QueryRow(ctx, `
		SELECT pattern_id, incident_type, runbook_id, occurrences, success_count,
		       success_rate, first_seen, last_seen, status
		FROM patterns WHERE pattern_id = $1
		FOR UPDATE
	`, id).Scan(&p.PatternID, &p.IncidentType, &p.RunbookID, &p.Occurrences, &p.SuccessCount,
		&p.SuccessRate, &p.FirstSeen, &p.LastSeen, &p.Status)

	now := time.Now().UTC()
	switch {
	case err == pgx.ErrNoRows:
		p = domain.Pattern{
			PatternID: id, IncidentType: incidentType, RunbookID: runbookID,
			Occurrences: 1, FirstSeen: now, LastSeen: now, Status: domain.PatternPending,
		}
		if success {
			p.SuccessCount = 1
		}
		p.SuccessRate = rate(p.SuccessCount, p.Occurrences)

		_, err = tx.Exec(ctx, `
			INSERT INTO patterns (pattern_id, incident_type, runbook_id, occurrences,
			                       success_count, success_rate, first_seen, last_seen, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, p.PatternID, p.IncidentType, p.RunbookID, p.Occurrences, p.SuccessCount,
			p.SuccessRate, p.FirstSeen, p.LastSeen, p.Status)
		if err != nil {
			return nil, fmt.Errorf("insert pattern: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lock pattern: %w", err)
	default:
		p.Occurrences++
		if success {
			p.SuccessCount++
		}
		p.SuccessRate = rate(p.SuccessCount, p.Occurrences)
		p.LastSeen = now

		_, err = tx.Exec(ctx, `
			UPDATE patterns SET occurrences = $2, success_count = $3, success_rate = $4, last_seen = $5
			WHERE pattern_id = $1
		`, p.PatternID, p.Occurrences, p.SuccessCount, p.SuccessRate, p.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("update pattern: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}

func rate(successCount, occurrences int) float64 {
	if occurrences == 0 {
		return 0
	}
	return float64(successCount) / float64(occurrences)
}

// ListCandidates returns every pending pattern meeting the promotion
// invariant (occurrences >= 5, success_rate >= 0.9).
func (s *Store) ListCandidates(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pattern_id, incident_type, runbook_id, occurrences, success_count,
		       success_rate, first_seen, last_seen, status
		FROM patterns
		WHERE status = 'pending' AND occurrences >= 5 AND success_rate >= 0.9
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		if err := rows.Scan(&p.PatternID, &p.IncidentType, &p.RunbookID, &p.Occurrences,
			&p.SuccessCount, &p.SuccessRate, &p.FirstSeen, &p.LastSeen, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// hipaaMappingsByRunbook is a placeholder lookup until a full runbook
// catalog exists; promote callers may override via Promote's hipaaMappings
// argument when they have the real runbook record in hand.
var hipaaMappingsByRunbook = map[string][]string{}

// Promote approves a pending pattern candidate: it must still satisfy the
// promotion invariant (re-checked under lock, since it may have been
// rejected or already promoted since ListCandidates ran), generates a rule
// at priority 5 (above the built-in tier's priority 10) with match
// conditions copied from the pattern and hipaa_mappings attached from the
// runbook, and flips the pattern to promoted. Rejection is terminal: a
// rejected pattern can never be promoted later.
func (s *Store) Promote(ctx context.Context, patternID string, hipaaMappings []string) (*domain.Rule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var p domain.Pattern
	err = tx.QueryRow(ctx, `
		SELECT pattern_id, incident_type, runbook_id, occurrences, success_count,
		       success_rate, first_seen, last_seen, status
		FROM patterns WHERE pattern_id = $1
		FOR UPDATE
	`, patternID).Scan(&p.PatternID, &p.IncidentType, &p.RunbookID, &p.Occurrences, &p.SuccessCount,
		&p.SuccessRate, &p.FirstSeen, &p.LastSeen, &p.Status)
	if err != nil {
		return nil, fmt.Errorf("lock pattern: %w", err)
	}

	if !p.PromotionEligible() {
		return nil, fmt.Errorf("pattern %s is not eligible for promotion (status=%s occurrences=%d success_rate=%.2f)",
			patternID, p.Status, p.Occurrences, p.SuccessRate)
	}

	if hipaaMappings == nil {
		hipaaMappings = hipaaMappingsByRunbook[p.RunbookID]
	}

	rule := domain.Rule{
		RuleID:    fmt.Sprintf("L1-PROMOTED-%s", uuid.NewString()[:8]),
		RunbookID: p.RunbookID,
		Priority:  5,
		Source:    domain.RuleSourceSynced,
		MatchConditions: map[string]string{
			"check_type": p.IncidentType,
		},
		HIPAAMappings: hipaaMappings,
	}

	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("marshal promoted rule: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE patterns SET status = 'promoted', proposed_rule = $2 WHERE pattern_id = $1
	`, patternID, ruleJSON)
	if err != nil {
		return nil, fmt.Errorf("update pattern status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &rule, nil
}

// Reject marks a pending pattern rejected. Rejection is terminal per spec:
// callers must never transition a rejected pattern back to pending.
func (s *Store) Reject(ctx context.Context, patternID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE patterns SET status = 'rejected' WHERE pattern_id = $1 AND status = 'pending'
	`, patternID)
	if err != nil {
		return fmt.Errorf("reject pattern: %w", err)
	}
	return nil
}

// PromotedRules returns every promoted pattern's rule, for assembly into the
// next rules snapshot a check-in response ships to appliances.
func (s *Store) PromotedRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT proposed_rule FROM patterns WHERE status = 'promoted' AND proposed_rule IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r domain.Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("unmarshal promoted rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
