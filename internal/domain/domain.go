// Package domain holds the entity types shared between the appliance and the
// control plane: the wire shapes for orders, evidence bundles, findings,
// rules, runbooks and their lifecycle states. Nothing in this package does
// I/O; it exists so both sides serialize the same JSON.
package domain

import (
	"strings"
	"time"
)

// ActionTaken is the outcome recorded on an evidence bundle.
type ActionTaken string

const (
	ActionNone       ActionTaken = "none"
	ActionL1         ActionTaken = "L1"
	ActionL2         ActionTaken = "L2"
	ActionL3Escalate ActionTaken = "L3_escalate"
	ActionRejected   ActionTaken = "rejected"
	ActionExpired    ActionTaken = "expired"
	ActionDeferred   ActionTaken = "deferred"
	ActionReverted   ActionTaken = "reverted"
	ActionFailed     ActionTaken = "failed"
)

// Severity is a finding's urgency classification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityFail     Severity = "fail"
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// severityRank orders findings critical-first for C4/C5 step 7 processing.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityFail:      0,
	SeverityHigh:      1,
	SeverityWarn:      1,
	SeverityMedium:    2,
	SeverityInfo:      3,
}

// Rank returns a sortable priority for "critical first, then high, then medium".
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return 9
}

// RuleSource distinguishes shipped rules from plane-synced ones for tie-breaking.
type RuleSource string

const (
	RuleSourceBuiltin RuleSource = "builtin"
	RuleSourceSynced  RuleSource = "synced"
)

// ApplianceIdentity is the (site_id, appliance_id) pair plus its registered
// public key, as held by the plane's appliance registry.
type ApplianceIdentity struct {
	SiteID      string    `json:"site_id"`
	ApplianceID string    `json:"appliance_id"`
	PublicKey   string    `json:"public_key"` // hex-encoded Ed25519 pubkey
	ProvisionedAt time.Time `json:"provisioned_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}

// Site is the plane's tenant record.
type Site struct {
	SiteID              string   `json:"site_id"`
	TenantName          string   `json:"tenant_name"`
	HealingTier         string   `json:"healing_tier"`
	EnabledRunbookIDs   []string `json:"enabled_runbook_ids"`
	ComplianceFrameworks []string `json:"compliance_frameworks"`
}

// CredentialTarget is re-fetched every check-in and never persisted on the
// appliance; the agent loop discards it once the check-in cycle ends.
type CredentialTarget struct {
	SiteID   string `json:"site_id"`
	Host     string `json:"host"`
	AuthKind string `json:"auth_kind"` // "password" | "key"
	Username string `json:"username"`
	Secret   string `json:"secret"`
	UseSSL   bool   `json:"use_ssl"`
}

// RunbookStep is one typed, ordered step of a runbook.
type RunbookStep struct {
	Kind        string        `json:"kind"` // "service_restart" | "file_write" | "command" | "verify"
	Script      string        `json:"script,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	Disruptive  bool          `json:"disruptive"`
}

// Runbook is a named, versioned, ordered sequence of remediation steps.
type Runbook struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Platform         string        `json:"platform"` // "windows" | "linux"
	Steps            []RunbookStep `json:"steps"`
	HIPAAControls    []string      `json:"hipaa_controls"`
	Severity         string        `json:"severity"`
	SnapshotHash     string        `json:"snapshot_hash"`
	RollbackAvailable bool         `json:"rollback_available"`
}

// AnyDisruptive reports whether the runbook contains a disruptive step.
func (r *Runbook) AnyDisruptive() bool {
	for _, s := range r.Steps {
		if s.Disruptive {
			return true
		}
	}
	return false
}

// Rule is an L1 match->runbook dispatch entry.
type Rule struct {
	RuleID          string            `json:"rule_id"`
	MatchConditions map[string]string `json:"match_conditions"`
	RunbookID       string            `json:"runbook_id"`
	Priority        int               `json:"priority"`
	Source          RuleSource        `json:"source"`
	HIPAAMappings   []string          `json:"hipaa_mappings"`
}

// Less implements the tie-break order from spec §3.1: synced before builtin,
// then priority ascending, then rule_id lexicographic.
func (r Rule) Less(other Rule) bool {
	if (r.Source == RuleSourceSynced) != (other.Source == RuleSourceSynced) {
		return r.Source == RuleSourceSynced
	}
	if r.Priority != other.Priority {
		return r.Priority < other.Priority
	}
	return r.RuleID < other.RuleID
}

// Finding is the output of a drift check.
type Finding struct {
	CheckType   string            `json:"check_type"`
	Severity    Severity          `json:"severity"`
	Fingerprint string            `json:"fingerprint"`
	PreState    map[string]string `json:"pre_state"`
	Scope       string            `json:"scope"`
	HIPAAControl string           `json:"hipaa_control,omitempty"`
	ObservedAt  time.Time         `json:"observed_at"`
	Err         string            `json:"error,omitempty"` // set when the check itself errored
}

// Order is a signed directive issued by the plane.
type Order struct {
	OrderID           string                 `json:"order_id"`
	SiteID            string                 `json:"site_id"`
	ApplianceID       string                 `json:"appliance_id"`
	RunbookID         string                 `json:"runbook_id"`
	Args              map[string]interface{} `json:"args,omitempty"`
	IssuedAt          time.Time              `json:"issued_at"`
	TTLSeconds        int                    `json:"ttl_seconds"`
	IssuerSig         string                 `json:"issuer_sig"`
}

// Expired reports whether the order's TTL has elapsed at instant `now`.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.IssuedAt.Add(time.Duration(o.TTLSeconds) * time.Second))
}

// ExternalTimestamp records the state of an anchoring proof from C1's stamp/verify_stamp.
type ExternalTimestamp struct {
	AuthorityURL string `json:"authority_url"`
	ProofBytesB64 string `json:"proof_bytes_b64"`
	State        string `json:"state"` // pending | anchored | verified | failed
	BitcoinBlock *int64 `json:"bitcoin_block,omitempty"`
}

// EvidenceBundle is the immutable, hash-chained record of one observe/act cycle.
type EvidenceBundle struct {
	BundleID          string              `json:"bundle_id"`
	SiteID            string              `json:"site_id"`
	ApplianceID       string              `json:"appliance_id"`
	CreatedAt         time.Time           `json:"created_at"`
	CheckType         string              `json:"check_type"`
	PreState          map[string]string   `json:"pre_state"`
	PostState         map[string]string   `json:"post_state"`
	ActionTaken       ActionTaken         `json:"action_taken"`
	RollbackAvailable bool                `json:"rollback_available"`
	RulesetHash       string              `json:"ruleset_hash"`
	NixOSRevision     string              `json:"nixos_revision,omitempty"`
	DerivationDigest  string              `json:"derivation_digest,omitempty"`
	DeploymentMode    string              `json:"deployment_mode"`
	ResellerID        *string             `json:"reseller_id,omitempty"`
	PrevHash          string              `json:"prev_hash"`
	BundleHash        string              `json:"bundle_hash,omitempty"`
	Signature         string              `json:"signature,omitempty"`
	ExternalTimestamp *ExternalTimestamp  `json:"external_timestamp,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

// GenesisHash is 64 hex zero characters: the prev_hash of a chain's first record.
var GenesisHash = strings.Repeat("0", 64)

// IncidentStatus is the lifecycle state of a plane-side incident.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

// Incident is a plane-side projection grouped by (site_id, check_type, fingerprint).
type Incident struct {
	IncidentID  string         `json:"incident_id"`
	SiteID      string         `json:"site_id"`
	CheckType   string         `json:"check_type"`
	Fingerprint string         `json:"fingerprint"`
	Status      IncidentStatus `json:"status"`
	OpenedAt    time.Time      `json:"opened_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	AckedBy     *string        `json:"acked_by,omitempty"`
}

// PatternStatus is the lifecycle state of a learning pattern.
type PatternStatus string

const (
	PatternPending  PatternStatus = "pending"
	PatternPromoted PatternStatus = "promoted"
	PatternRejected PatternStatus = "rejected"
)

// Pattern aggregates repeated L2 outcomes for the same (incident_type, runbook_id).
type Pattern struct {
	PatternID    string        `json:"pattern_id"`
	IncidentType string        `json:"incident_type"`
	RunbookID    string        `json:"runbook_id"`
	Occurrences  int           `json:"occurrences"`
	SuccessCount int           `json:"success_count"`
	SuccessRate  float64       `json:"success_rate"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	Status       PatternStatus `json:"status"`
	ProposedRule *Rule         `json:"proposed_rule,omitempty"`
}

// PromotionEligible reports the promotion invariant from spec §4.7/§8.
func (p *Pattern) PromotionEligible() bool {
	return p.Status == PatternPending && p.Occurrences >= 5 && p.SuccessRate >= 0.9
}

// Notification is a severity-tagged user-facing event with dedup protection.
type Notification struct {
	NotificationID string    `json:"notification_id"`
	Severity       Severity  `json:"severity"`
	SiteID         *string   `json:"site_id,omitempty"` // nil = global
	DedupKey       string    `json:"dedup_key"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// L2Decision is the required shape of a planner response per spec §4.4.
type L2Decision struct {
	Action    string                 `json:"action"`
	RunbookID string                 `json:"runbook_id,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Confidence float64               `json:"confidence"`
	Rationale string                 `json:"rationale"`
}
