package drift

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/osiriscare/fleetguard/internal/domain"
)

// ServiceHealthCheck backs check_type "service_health": the expected unit
// must be active within the last 30s, per spec's table. Source of truth is
// the local init system query; QueryActive is a seam so tests don't shell out.
type ServiceHealthCheck struct {
	UnitName     string
	HIPAAControl string
	QueryActive  func(ctx context.Context, unit string) (active bool, since time.Time, err error)
}

func (c *ServiceHealthCheck) CheckType() string { return "service_health" }

func (c *ServiceHealthCheck) Run(ctx context.Context, scope Scope) Result {
	query := c.QueryActive
	if query == nil {
		query = systemctlIsActive
	}
	unit := c.UnitName
	if unit == "" {
		unit = "msp-appliance.service"
	}

	active, since, err := query(ctx, unit)
	if err != nil {
		return errored(c.CheckType(), err)
	}
	if active && time.Since(since) <= 30*time.Second {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityFail, scope, c.HIPAAControl, map[string]string{
		"unit":   unit,
		"active": strconv.FormatBool(active),
	})
}

func systemctlIsActive(ctx context.Context, unit string) (bool, time.Time, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).Output()
	active := strings.TrimSpace(string(out)) == "active"
	if err != nil && active {
		err = nil // systemctl exits non-zero for some active-but-transitional states
	}
	return active, time.Now().UTC(), nil
}

// FirewallBaselineCheck backs check_type "firewall_baseline": pass when the
// live ruleset hash matches the signed baseline.
type FirewallBaselineCheck struct {
	HIPAAControl string
	BaselineHash string
	CurrentHash  func(ctx context.Context) (string, error)
}

func (c *FirewallBaselineCheck) CheckType() string { return "firewall_baseline" }

func (c *FirewallBaselineCheck) Run(ctx context.Context, scope Scope) Result {
	current := c.CurrentHash
	if current == nil {
		current = hashNftablesRuleset
	}
	hash, err := current(ctx)
	if err != nil {
		return errored(c.CheckType(), err)
	}
	if hash == c.BaselineHash {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityFail, scope, c.HIPAAControl, map[string]string{
		"expected_hash": c.BaselineHash,
		"actual_hash":   hash,
	})
}

func hashNftablesRuleset(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "nft", "list", "ruleset").Output()
	if err != nil {
		return "", fmt.Errorf("list ruleset: %w", err)
	}
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:]), nil
}

// PatchStateCheck backs check_type "patch_state": the current generation
// (NixOS) or patch level (WSUS) must match a target snapshot.
type PatchStateCheck struct {
	HIPAAControl   string
	TargetSnapshot string
	CurrentGen     func(ctx context.Context) (string, error)
}

func (c *PatchStateCheck) CheckType() string { return "patch_state" }

func (c *PatchStateCheck) Run(ctx context.Context, scope Scope) Result {
	current := c.CurrentGen
	if current == nil {
		current = currentNixGeneration
	}
	gen, err := current(ctx)
	if err != nil {
		return errored(c.CheckType(), err)
	}
	if gen == c.TargetSnapshot {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityWarn, scope, c.HIPAAControl, map[string]string{
		"target":  c.TargetSnapshot,
		"current": gen,
	})
}

func currentNixGeneration(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "readlink", "/run/current-system").Output()
	if err != nil {
		return "", fmt.Errorf("read current system: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// BackupStatusCheck backs check_type "backup_status": the most recent
// success must fall within the policy window.
type BackupStatusCheck struct {
	HIPAAControl  string
	PolicyWindow  time.Duration
	LastSuccess   func(ctx context.Context) (time.Time, error)
}

func (c *BackupStatusCheck) CheckType() string { return "backup_status" }

func (c *BackupStatusCheck) Run(ctx context.Context, scope Scope) Result {
	last := c.LastSuccess
	if last == nil {
		last = readLastBackupStatusFile
	}
	window := c.PolicyWindow
	if window == 0 {
		window = 24 * time.Hour
	}

	ts, err := last(ctx)
	if err != nil {
		return errored(c.CheckType(), err)
	}
	if time.Since(ts) <= window {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityFail, scope, c.HIPAAControl, map[string]string{
		"last_success": ts.Format(time.RFC3339),
		"window":       window.String(),
	})
}

func readLastBackupStatusFile(ctx context.Context) (time.Time, error) {
	data, err := os.ReadFile("/var/lib/fleetguard/backup-status.json")
	if err != nil {
		return time.Time{}, fmt.Errorf("read backup status: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse backup timestamp: %w", err)
	}
	return ts, nil
}

// DiskEncryptionCheck backs check_type "disk_encryption": every mount
// tagged sensitive must be encrypted (device-mapper on Linux; there is no
// Windows/BitLocker probe).
type DiskEncryptionCheck struct {
	HIPAAControl   string
	SensitiveMounts []string
	IsEncrypted    func(ctx context.Context, mount string) (bool, error)
}

func (c *DiskEncryptionCheck) CheckType() string { return "disk_encryption" }

func (c *DiskEncryptionCheck) Run(ctx context.Context, scope Scope) Result {
	isEnc := c.IsEncrypted
	if isEnc == nil {
		isEnc = isDeviceMapperEncrypted
	}
	mounts := c.SensitiveMounts
	if len(mounts) == 0 {
		mounts = []string{"/"}
	}
	sort.Strings(mounts)

	unencrypted := []string{}
	for _, m := range mounts {
		ok, err := isEnc(ctx, m)
		if err != nil {
			return errored(c.CheckType(), err)
		}
		if !ok {
			unencrypted = append(unencrypted, m)
		}
	}
	if len(unencrypted) == 0 {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityFail, scope, c.HIPAAControl, map[string]string{
		"unencrypted_mounts": strings.Join(unencrypted, ","),
	})
}

func isDeviceMapperEncrypted(ctx context.Context, mount string) (bool, error) {
	out, err := exec.CommandContext(ctx, "findmnt", "-no", "SOURCE", mount).Output()
	if err != nil {
		return false, fmt.Errorf("findmnt %s: %w", mount, err)
	}
	return strings.Contains(strings.TrimSpace(string(out)), "/dev/mapper/"), nil
}

// LogContinuityCheck backs check_type "log_continuity": a canary line
// round-trips through the local spool in under 30s.
type LogContinuityCheck struct {
	HIPAAControl string
	SpoolPath    string
	RoundTrip    func(ctx context.Context, spoolPath string) (time.Duration, error)
}

func (c *LogContinuityCheck) CheckType() string { return "log_continuity" }

func (c *LogContinuityCheck) Run(ctx context.Context, scope Scope) Result {
	rt := c.RoundTrip
	if rt == nil {
		rt = canaryRoundTrip
	}
	spool := c.SpoolPath
	if spool == "" {
		spool = "/var/lib/fleetguard/log-canary"
	}

	d, err := rt(ctx, spool)
	if err != nil {
		return errored(c.CheckType(), err)
	}
	if d <= 30*time.Second {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityWarn, scope, c.HIPAAControl, map[string]string{
		"round_trip": d.String(),
	})
}

func canaryRoundTrip(ctx context.Context, spoolPath string) (time.Duration, error) {
	start := time.Now()
	canary := fmt.Sprintf("canary-%d\n", start.UnixNano())
	if err := os.WriteFile(spoolPath, []byte(canary), 0600); err != nil {
		return 0, fmt.Errorf("write canary: %w", err)
	}
	data, err := os.ReadFile(spoolPath)
	if err != nil {
		return 0, fmt.Errorf("read canary: %w", err)
	}
	if !bytes.Equal(data, []byte(canary)) {
		return 0, fmt.Errorf("canary mismatch")
	}
	return time.Since(start), nil
}

// TimeSyncCheck backs check_type "time_sync": the median offset across at
// least 3 NTP sources must be under ntp_max_skew_ms.
type TimeSyncCheck struct {
	HIPAAControl string
	MaxSkewMS    int
	QueryOffsets func(ctx context.Context) ([]time.Duration, error)
}

func (c *TimeSyncCheck) CheckType() string { return "time_sync" }

func (c *TimeSyncCheck) Run(ctx context.Context, scope Scope) Result {
	query := c.QueryOffsets
	if query == nil {
		query = chronycOffsets
	}
	maxSkew := c.MaxSkewMS
	if maxSkew == 0 {
		maxSkew = 5000
	}

	offsets, err := query(ctx)
	if err != nil {
		return errored(c.CheckType(), err)
	}
	if len(offsets) < 3 {
		return errored(c.CheckType(), fmt.Errorf("need at least 3 NTP sources, got %d", len(offsets)))
	}

	median := medianDuration(offsets)
	medianMS := int(median.Milliseconds())
	if medianMS < 0 {
		medianMS = -medianMS
	}
	if medianMS < maxSkew {
		return skipped(c.CheckType())
	}
	return finding(c.CheckType(), domain.SeverityCritical, scope, c.HIPAAControl, map[string]string{
		"median_offset_ms": strconv.Itoa(medianMS),
		"max_skew_ms":      strconv.Itoa(maxSkew),
	})
}

func chronycOffsets(ctx context.Context) ([]time.Duration, error) {
	out, err := exec.CommandContext(ctx, "chronyc", "-n", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("chronyc sources: %w", err)
	}
	var offsets []time.Duration
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		// chronyc's last column looks like "+1.234ms" or "-123us"
		raw := fields[len(fields)-1]
		d, err := time.ParseDuration(strings.TrimPrefix(raw, "+"))
		if err != nil {
			continue
		}
		offsets = append(offsets, d)
	}
	return offsets, nil
}

func medianDuration(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
