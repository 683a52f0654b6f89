package appliance

// incident_report.go implements spec §4.7's incident lifecycle on top of the
// evidence chain: an incident opens on the first bundle whose action_taken
// lands in the "needs attention" set for a (check_type, scope) fingerprint,
// and resolves on the next bundle for that same fingerprint whose
// action_taken shows the finding was actually handled.

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/osiriscare/fleetguard/internal/domain"
	"github.com/osiriscare/fleetguard/internal/drift"
)

type incidentReporter struct {
	endpoint string
	apiKey   string
	siteID   string
	client   *http.Client
}

func newIncidentReporter(endpoint, apiKey, siteID string) *incidentReporter {
	return &incidentReporter{
		endpoint: endpoint,
		apiKey:   apiKey,
		siteID:   siteID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type fleetReportPayload struct {
	SiteID      string `json:"site_id"`
	CheckType   string `json:"check_type"`
	Fingerprint string `json:"fingerprint"`
	Action      string `json:"action"`
}

func (r *incidentReporter) ReportDriftIncident(checkType, fingerprint, action string) {
	if r == nil {
		return
	}
	r.post("/api/fleet/incidents", fleetReportPayload{SiteID: r.siteID, CheckType: checkType, Fingerprint: fingerprint, Action: action})
}

func (r *incidentReporter) ReportHealed(checkType, resolutionTier, fingerprint string) {
	if r == nil {
		return
	}
	r.post("/api/fleet/incidents/resolve", fleetReportPayload{SiteID: r.siteID, CheckType: checkType, Fingerprint: fingerprint, Action: resolutionTier})
}

type patternReportPayload struct {
	IncidentType string `json:"incident_type"`
	RunbookID    string `json:"runbook_id"`
	Success      bool   `json:"success"`
}

// ReportPattern records one L2 resolution attempt against the fleet's
// learning loop: every attempt counts toward occurrences, a successful one
// also counts toward the success rate a pattern needs to become an L1
// promotion candidate. Called on every L2 attempt, success or failure —
// never on an L1 match or a bare escalation, which never reached L2.
func (r *incidentReporter) ReportPattern(checkType, runbookID string, success bool) {
	if r == nil || runbookID == "" {
		return
	}
	body, err := json.Marshal(patternReportPayload{IncidentType: checkType, RunbookID: runbookID, Success: success})
	if err != nil {
		log.Printf("[appliance] failed to marshal pattern payload: %v", err)
		return
	}
	r.postRaw("/api/fleet/patterns", body)
}

func (r *incidentReporter) post(path string, payload fleetReportPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[appliance] failed to marshal incident payload: %v", err)
		return
	}
	r.postRaw(path, body)
}

func (r *incidentReporter) postRaw(path string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		log.Printf("[appliance] failed to build %s request: %v", path, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("[appliance] report to %s failed: %v", path, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[appliance] report to %s returned %d", path, resp.StatusCode)
	}
}

// openActionTaken is the set of action_taken values that open an incident for
// a fingerprint per spec §4.7: the finding needed attention beyond automatic
// remediation, or automatic remediation itself did not land.
var openActionTaken = map[domain.ActionTaken]bool{
	domain.ActionL3Escalate: true,
	domain.ActionFailed:     true,
	domain.ActionReverted:   true,
	domain.ActionDeferred:   true,
}

// resolvedActionTaken is the set of action_taken values that, on a bundle for
// an already-open fingerprint, resolve that incident.
var resolvedActionTaken = map[domain.ActionTaken]bool{
	domain.ActionNone: true,
	domain.ActionL1:   true,
	domain.ActionL2:   true,
}

// trackIncident updates the open-incident set for this (check_type, scope)
// fingerprint and reports the transition to the plane, if any occurred.
func (a *Appliance) trackIncident(checkType, scope string, actionTaken domain.ActionTaken, ok bool) {
	fp := drift.Fingerprint(checkType, drift.Scope{Host: scope})

	a.incidentMu.Lock()
	wasOpen := a.openIncidents[fp]
	var shouldReport, opening bool
	switch {
	case openActionTaken[actionTaken]:
		if !wasOpen {
			a.openIncidents[fp] = true
			shouldReport = true
			opening = true
		}
	case wasOpen && resolvedActionTaken[actionTaken] && ok:
		delete(a.openIncidents, fp)
		shouldReport = true
		opening = false
	}
	a.incidentMu.Unlock()

	if !shouldReport || a.incidents == nil {
		return
	}
	if opening {
		a.incidents.ReportDriftIncident(checkType, fp, string(actionTaken))
	} else {
		a.incidents.ReportHealed(checkType, string(actionTaken), fp)
	}
}
