package healing

import (
	_ "embed"
	"encoding/json"
	"log"
)

//go:embed runbooks.json
var runbooksJSON []byte

// runbookEntry is a single canned remediation recorded for one allowed rule
// action. Each script phase is optional; dispatch skips phases with no
// script for the runbook's platform.
type runbookEntry struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Platform        string   `json:"platform"`
	DetectScript    string   `json:"detect_script"`
	RemediateScript string   `json:"remediate_script"`
	VerifyScript    string   `json:"verify_script"`
	HIPAAControls   []string `json:"hipaa_controls"`
	Severity        string   `json:"severity"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
}

var runbookRegistry map[string]runbookEntry

func init() {
	runbookRegistry = make(map[string]runbookEntry)
	if err := json.Unmarshal(runbooksJSON, &runbookRegistry); err != nil {
		log.Fatalf("[healing] embedded runbooks.json is invalid: %v", err)
	}
}
