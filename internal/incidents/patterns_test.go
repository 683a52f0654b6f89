package incidents

import (
	"testing"

	"github.com/osiriscare/fleetguard/internal/domain"
)

func TestPatternID(t *testing.T) {
	got := PatternID("firewall_status", "RB-WIN-SEC-001")
	want := PatternID("firewall_status", "RB-WIN-SEC-001")
	if got != want {
		t.Fatal("PatternID must be deterministic for identical inputs")
	}

	other := PatternID("firewall_status", "RB-WIN-SEC-002")
	if got == other {
		t.Fatal("PatternID must differ when the runbook differs")
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		success, occurrences int
		want                 float64
	}{
		{0, 0, 0},
		{5, 5, 1.0},
		{9, 10, 0.9},
		{1, 4, 0.25},
	}
	for _, tt := range tests {
		if got := rate(tt.success, tt.occurrences); got != tt.want {
			t.Errorf("rate(%d, %d) = %v, want %v", tt.success, tt.occurrences, got, tt.want)
		}
	}
}

func TestIsUnresolvedAction(t *testing.T) {
	unresolved := []domain.ActionTaken{domain.ActionL3Escalate, domain.ActionFailed, domain.ActionReverted, domain.ActionDeferred}
	for _, a := range unresolved {
		if !isUnresolvedAction(a) {
			t.Errorf("expected %s to be unresolved", a)
		}
	}
	resolved := []domain.ActionTaken{domain.ActionNone, domain.ActionL1, domain.ActionL2}
	for _, a := range resolved {
		if isUnresolvedAction(a) {
			t.Errorf("expected %s to not be unresolved", a)
		}
	}
}

func TestIsCleanAction(t *testing.T) {
	clean := []domain.ActionTaken{domain.ActionNone, domain.ActionL1, domain.ActionL2}
	for _, a := range clean {
		if !isCleanAction(a) {
			t.Errorf("expected %s to be clean", a)
		}
	}
	if isCleanAction(domain.ActionL3Escalate) {
		t.Fatal("L3_escalate should not be a clean action")
	}
}
