package appliance

import (
	"fmt"
	"log"
	"time"

	"github.com/osiriscare/fleetguard/internal/l2bridge"
)

// HealOutcome summarizes how one finding was resolved for evidence purposes.
type HealOutcome struct {
	ActionTaken string
	Reason      string
	PostState   map[string]string
	Success     bool
	RunbookID   string // set only when the outcome came from an L2 attempt
}

// heal runs the three-tier dispatch for one finding: L1 deterministic match,
// then L2 LLM plan on an L1 miss or failure, then L3 escalation when neither
// resolves it. Mirrors the teacher's healIncident dispatch order.
func (a *Appliance) heal(incidentID, hostID, checkType string, severity string, data map[string]interface{}) HealOutcome {
	if a.l1 != nil {
		if match := a.l1.Match(incidentID, checkType, severity, data); match != nil {
			result := a.l1.Execute(match, a.config.SiteID, hostID)
			if result.Success {
				return HealOutcome{
					ActionTaken: "L1",
					Reason:      fmt.Sprintf("rule %s matched and executed", match.Rule.ID),
					PostState:   stringifyOutput(result.Output),
					Success:     true,
				}
			}
			log.Printf("[appliance] L1 rule %s failed for %s/%s: %s — falling through to L2",
				match.Rule.ID, hostID, checkType, result.Error)
		}
	}

	if a.l2 != nil && a.l2.IsConnected() {
		incident := &l2bridge.Incident{
			ID:           incidentID,
			SiteID:       a.config.SiteID,
			HostID:       hostID,
			IncidentType: checkType,
			Severity:     severity,
			RawData:      data,
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		decision, err := a.l2.PlanWithRetry(incident, 1)
		if err != nil {
			log.Printf("[appliance] L2 plan failed for %s/%s: %v — escalating to L3", hostID, checkType, err)
			return a.escalate(incidentID, hostID, checkType, fmt.Sprintf("L2 error: %v", err))
		}
		if decision.ShouldExecute() {
			output, err := a.executeAction(decision.RecommendedAction, decision.ActionParams, hostID)
			a.incidents.ReportPattern(checkType, decision.RunbookID, err == nil)
			if err == nil {
				return HealOutcome{
					ActionTaken: "L2",
					Reason:      decision.Reasoning,
					PostState:   output,
					Success:     true,
					RunbookID:   decision.RunbookID,
				}
			}
			log.Printf("[appliance] L2 action %s failed for %s/%s: %v — escalating to L3",
				decision.RecommendedAction, hostID, checkType, err)
		}
		return a.escalate(incidentID, hostID, checkType, decision.Reasoning)
	}

	return a.escalate(incidentID, hostID, checkType, "no L1 rule matched and L2 is unavailable")
}

// escalate routes a finding to L3 human review: a notification is queued for
// the plane and the evidence bundle records the escalation regardless of
// plane reachability (a local record is never skipped).
func (a *Appliance) escalate(incidentID, hostID, checkType, reason string) HealOutcome {
	log.Printf("[appliance] escalating %s/%s to L3: %s", hostID, checkType, reason)
	return HealOutcome{
		ActionTaken: "L3_escalate",
		Reason:      reason,
		Success:     false,
	}
}

// executeAction runs an L2-recommended action through the same executor the
// L1 engine uses, so both tiers share one action surface.
func (a *Appliance) executeAction(action string, params map[string]interface{}, hostID string) (map[string]string, error) {
	if a.actionExecutor == nil {
		return nil, fmt.Errorf("no action executor configured")
	}
	out, err := a.actionExecutor(action, params, a.config.SiteID, hostID)
	if err != nil {
		return nil, err
	}
	return stringifyOutput(out), nil
}

func stringifyOutput(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}
