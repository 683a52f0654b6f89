package domain

import (
	"testing"
	"time"
)

func TestRuleLessTieBreak(t *testing.T) {
	synced := Rule{RuleID: "R2", Priority: 50, Source: RuleSourceSynced}
	builtin := Rule{RuleID: "R1", Priority: 10, Source: RuleSourceBuiltin}
	if !synced.Less(builtin) {
		t.Fatal("synced rule must sort before builtin regardless of priority")
	}

	a := Rule{RuleID: "R1", Priority: 10, Source: RuleSourceBuiltin}
	b := Rule{RuleID: "R2", Priority: 20, Source: RuleSourceBuiltin}
	if !a.Less(b) {
		t.Fatal("lower priority number must sort first among equal source")
	}

	c := Rule{RuleID: "A-rule", Priority: 10, Source: RuleSourceBuiltin}
	d := Rule{RuleID: "B-rule", Priority: 10, Source: RuleSourceBuiltin}
	if !c.Less(d) {
		t.Fatal("equal priority and source must tie-break lexicographically")
	}
}

func TestOrderExpired(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := Order{IssuedAt: issued, TTLSeconds: 900}

	if o.Expired(issued.Add(899 * time.Second)) {
		t.Fatal("order must not be expired before ttl elapses")
	}
	if !o.Expired(issued.Add(905 * time.Second)) {
		t.Fatal("order must be expired once now > issued_at+ttl")
	}
}

func TestPatternPromotionEligible(t *testing.T) {
	p := Pattern{Status: PatternPending, Occurrences: 5, SuccessRate: 0.9}
	if !p.PromotionEligible() {
		t.Fatal("occurrences=5 success_rate=0.9 pending must be eligible")
	}
	p.Occurrences = 4
	if p.PromotionEligible() {
		t.Fatal("occurrences below 5 must not be eligible")
	}
	p.Occurrences = 5
	p.SuccessRate = 0.89
	if p.PromotionEligible() {
		t.Fatal("success_rate below 0.9 must not be eligible")
	}
	p.SuccessRate = 0.95
	p.Status = PatternRejected
	if p.PromotionEligible() {
		t.Fatal("non-pending pattern must never be eligible")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityCritical.Rank() >= SeverityMedium.Rank() {
		t.Fatal("critical must rank before medium")
	}
	if SeverityHigh.Rank() >= SeverityInfo.Rank() {
		t.Fatal("high must rank before info")
	}
}

func TestGenesisHashLength(t *testing.T) {
	if len(GenesisHash) != 64 {
		t.Fatalf("genesis hash must be 64 hex chars, got %d", len(GenesisHash))
	}
}
