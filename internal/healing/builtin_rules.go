package healing

// builtinRules returns the deterministic rule set shipped with every
// appliance: one L1 rule per C3 check type that has a corresponding
// remediation runbook (runbooks.json). Rules match on "check_type" and carry
// priority 10. Synced rules always sort first, and a promoted rule (priority
// 5, set by internal/incidents' L2→L1 promotion) sorts ahead of these, since
// lower priority values match first.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID:              "builtin-service-health",
			Name:            "Restart unhealthy service",
			Description:     "Finding for service_health restarts the expected unit.",
			Conditions:      []RuleCondition{{Field: "check_type", Operator: OpEquals, Value: "service_health"}},
			Action:          "run_linux_runbook",
			ActionParams:    map[string]interface{}{"runbook_id": "restart_service"},
			HIPAAControls:   []string{"164.312(a)(1)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 300,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:              "builtin-firewall-baseline",
			Name:            "Restore firewall baseline",
			Description:     "Finding for firewall_baseline reapplies the signed ruleset.",
			Conditions:      []RuleCondition{{Field: "check_type", Operator: OpEquals, Value: "firewall_baseline"}},
			Action:          "restore_firewall_baseline",
			HIPAAControls:   []string{"164.312(e)(1)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 300,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:              "builtin-patch-state",
			Name:            "Switch to target generation",
			Description:     "Finding for patch_state activates the target baseline generation.",
			Conditions:      []RuleCondition{{Field: "check_type", Operator: OpEquals, Value: "patch_state"}},
			Action:          "update_to_baseline_generation",
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 900,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:              "builtin-backup-status",
			Name:            "Run backup job",
			Description:     "Finding for backup_status triggers an out-of-band backup run.",
			Conditions:      []RuleCondition{{Field: "check_type", Operator: OpEquals, Value: "backup_status"}},
			Action:          "run_backup_job",
			HIPAAControls:   []string{"164.308(a)(7)(ii)(A)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 3600,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:              "builtin-log-continuity",
			Name:            "Restart logging services",
			Description:     "Finding for log_continuity restarts the local log spool.",
			Conditions:      []RuleCondition{{Field: "check_type", Operator: OpEquals, Value: "log_continuity"}},
			Action:          "restart_logging_services",
			HIPAAControls:   []string{"164.312(b)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 300,
			MaxRetries:      1,
			Source:          "builtin",
		},
		{
			ID:              "builtin-disk-encryption",
			Name:            "Escalate disk encryption drift",
			Description:     "disk_encryption findings have no safe automated remediation — always escalate.",
			Conditions:      []RuleCondition{{Field: "check_type", Operator: OpEquals, Value: "disk_encryption"}},
			Action:          "escalate",
			ActionParams:    map[string]interface{}{"reason": "disk encryption drift requires operator action"},
			HIPAAControls:   []string{"164.312(a)(2)(iv)"},
			Enabled:         true,
			Priority:        10,
			CooldownSeconds: 3600,
			MaxRetries:      1,
			Source:          "builtin",
		},
	}
}
