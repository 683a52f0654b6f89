package healing

// dispatch.go wires the L1/L2 rule engine's ActionExecutor callback to the
// runbook registry and to WinRM/SSH/local execution. Unlike a static
// domain-controller-credential model, every remote dispatch resolves its
// target through a CredentialLookup callback — the appliance's in-memory,
// check-in-refreshed credential table (domain.CredentialTarget) — so nothing
// here ever holds a host secret longer than one rule execution.

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/osiriscare/fleetguard/internal/domain"
	"github.com/osiriscare/fleetguard/internal/sshexec"
	"github.com/osiriscare/fleetguard/internal/winrm"
)

// CredentialLookup resolves the current check-in cycle's credential for a
// host, or false if none was supplied this tick.
type CredentialLookup func(host string) (domain.CredentialTarget, bool)

// HostDispatcher turns L1/L2 rule actions into runbook executions against the
// appliance itself (local bash) or a LAN host reachable over WinRM/SSH using
// this tick's credential snapshot.
type HostDispatcher struct {
	winrmExec *winrm.Executor
	sshExec   *sshexec.Executor
	lookup    CredentialLookup
	selfHost  string
}

// NewHostDispatcher builds a HostDispatcher. selfHost identifies this
// appliance so Linux runbook actions without a distinct target run locally
// instead of over SSH to itself.
func NewHostDispatcher(selfHost string, lookup CredentialLookup) *HostDispatcher {
	return &HostDispatcher{
		winrmExec: winrm.NewExecutor(),
		sshExec:   sshexec.NewExecutor(),
		lookup:    lookup,
		selfHost:  selfHost,
	}
}

// ActionExecutor adapts the HostDispatcher to healing.ActionExecutor.
func (d *HostDispatcher) ActionExecutor() ActionExecutor {
	return func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
		switch action {
		case "escalate":
			reason, _ := params["reason"].(string)
			if reason == "" {
				reason = "rule action is escalate"
			}
			log.Printf("[healing-dispatch] escalating to L3: host=%s reason=%s", hostID, reason)
			return map[string]interface{}{"escalated": true, "reason": reason}, nil

		case "run_windows_runbook":
			runbookID, _ := params["runbook_id"].(string)
			if runbookID == "" {
				return nil, fmt.Errorf("run_windows_runbook requires runbook_id")
			}
			return d.runRunbook(runbookID, hostID, "windows", params)

		case "run_linux_runbook":
			runbookID, _ := params["runbook_id"].(string)
			if runbookID == "" {
				return nil, fmt.Errorf("run_linux_runbook requires runbook_id")
			}
			return d.runRunbook(runbookID, hostID, "linux", params)

		case "restore_firewall_baseline", "update_to_baseline_generation", "run_backup_job",
			"restart_logging_services", "renew_certificate", "cleanup_disk_space":
			rb, ok := runbookRegistry[action]
			if !ok {
				return nil, fmt.Errorf("no runbook registered for action %s", action)
			}
			return d.runRunbook(rb.ID, hostID, rb.Platform, params)

		case "restart_service":
			unit, _ := params["unit"].(string)
			if unit == "" {
				unit = "fleetguard-agent"
			}
			return d.runRunbook("restart_service", hostID, "linux", map[string]interface{}{
				"env": map[string]string{"FLEETGUARD_UNIT": unit},
			})

		default:
			return nil, fmt.Errorf("unknown action: %s", action)
		}
	}
}

// runRunbook executes detect/remediate/verify against the runbook registered
// under runbookID, on the requested platform.
func (d *HostDispatcher) runRunbook(runbookID, hostID, platform string, params map[string]interface{}) (map[string]interface{}, error) {
	rb, ok := runbookRegistry[runbookID]
	if !ok {
		return nil, fmt.Errorf("unknown runbook: %s (registry has %d entries)", runbookID, len(runbookRegistry))
	}

	phases, _ := params["phases"].([]interface{})
	if len(phases) == 0 {
		phases = []interface{}{"remediate", "verify"}
	}

	phaseScripts := map[string]string{
		"detect":    rb.DetectScript,
		"remediate": rb.RemediateScript,
		"verify":    rb.VerifyScript,
	}

	timeout := rb.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}

	results := map[string]interface{}{}

	for _, phase := range phases {
		phaseStr, _ := phase.(string)
		script := phaseScripts[phaseStr]
		if script == "" {
			continue
		}

		log.Printf("[healing-dispatch] %s %s phase=%s on %s", platform, runbookID, phaseStr, hostID)

		switch platform {
		case "windows":
			cred, ok := d.lookup(hostID)
			if !ok {
				return nil, fmt.Errorf("no credential for host %s this check-in", hostID)
			}
			target := winrm.TargetFromCredential(cred)
			result := d.winrmExec.Execute(target, script, runbookID, phaseStr, timeout, 1, 15.0, rb.HIPAAControls)
			if !result.Success {
				return map[string]interface{}{"success": false, "phase": phaseStr, "error": result.Error},
					fmt.Errorf("%s phase %s failed: %s", runbookID, phaseStr, result.Error)
			}
			results[phaseStr] = result.Output
			results[phaseStr+"_hash"] = result.OutputHash

		case "linux":
			if d.isSelfHost(hostID) {
				result := d.executeLocal(script, runbookID, phaseStr, timeout)
				if !result.Success {
					return map[string]interface{}{"success": false, "phase": phaseStr, "error": result.Error},
						fmt.Errorf("%s phase %s failed: %s", runbookID, phaseStr, result.Error)
				}
				results[phaseStr] = result.Output
			} else {
				cred, ok := d.lookup(hostID)
				if !ok {
					return nil, fmt.Errorf("no credential for host %s this check-in", hostID)
				}
				target := sshexec.TargetFromCredential(cred)
				result := d.sshExec.Execute(context.Background(), target, script, runbookID, phaseStr, timeout, 1, 5.0, true, rb.HIPAAControls)
				if !result.Success {
					return map[string]interface{}{"success": false, "phase": phaseStr, "error": result.Error},
						fmt.Errorf("%s phase %s failed: %s", runbookID, phaseStr, result.Error)
				}
				results[phaseStr] = result.Output
				results[phaseStr+"_hash"] = result.OutputHash
			}

		default:
			return nil, fmt.Errorf("unknown platform: %s", platform)
		}
	}

	results["success"] = true
	return results, nil
}

func (d *HostDispatcher) isSelfHost(hostID string) bool {
	return hostID == "" || hostID == d.selfHost || hostID == "localhost" || hostID == "127.0.0.1"
}

type localExecResult struct {
	Success bool
	Output  string
	Error   string
}

// executeLocal runs a remediation script locally via bash for self-healing
// on the appliance itself.
func (d *HostDispatcher) executeLocal(script, runbookID, phase string, timeout int) localExecResult {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	output, err := cmd.CombinedOutput()
	outStr := string(output)
	if len(outStr) > 2000 {
		outStr = outStr[len(outStr)-2000:]
	}

	if err != nil {
		log.Printf("[healing-dispatch] local %s phase=%s failed: %v", runbookID, phase, err)
		return localExecResult{Success: false, Output: outStr, Error: fmt.Sprintf("%v: %s", err, outStr)}
	}

	log.Printf("[healing-dispatch] local %s phase=%s succeeded", runbookID, phase)
	return localExecResult{Success: true, Output: outStr}
}
