package drift

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFingerprintStableAcrossCalls(t *testing.T) {
	a := Fingerprint("service_health", Scope{Host: "db01"})
	b := Fingerprint("service_health", Scope{Host: "db01"})
	if a != b {
		t.Fatalf("fingerprint must be stable: %s != %s", a, b)
	}
	c := Fingerprint("service_health", Scope{Host: "db02"})
	if a == c {
		t.Fatal("fingerprint must differ across scopes")
	}
}

func TestServiceHealthCheckFindingOnStale(t *testing.T) {
	c := &ServiceHealthCheck{
		UnitName: "postgresql.service",
		QueryActive: func(ctx context.Context, unit string) (bool, time.Time, error) {
			return true, time.Now().Add(-2 * time.Minute), nil
		},
	}
	res := c.Run(context.Background(), Scope{Host: "db01"})
	if res.Outcome != OutcomeFinding {
		t.Fatalf("expected a finding for a stale active-since, got %v", res.Outcome)
	}
}

func TestServiceHealthCheckSkippedWhenFresh(t *testing.T) {
	c := &ServiceHealthCheck{
		QueryActive: func(ctx context.Context, unit string) (bool, time.Time, error) {
			return true, time.Now(), nil
		},
	}
	res := c.Run(context.Background(), Scope{Host: "db01"})
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped for a fresh active unit, got %v", res.Outcome)
	}
}

func TestFirewallBaselineCheckDetectsDrift(t *testing.T) {
	c := &FirewallBaselineCheck{
		BaselineHash: "abc123",
		CurrentHash:  func(ctx context.Context) (string, error) { return "def456", nil },
	}
	res := c.Run(context.Background(), Scope{Host: "fw01"})
	if res.Outcome != OutcomeFinding {
		t.Fatalf("expected finding on hash mismatch, got %v", res.Outcome)
	}
}

func TestTimeSyncCheckErrorsUnderThreeSources(t *testing.T) {
	c := &TimeSyncCheck{
		QueryOffsets: func(ctx context.Context) ([]time.Duration, error) {
			return []time.Duration{time.Millisecond}, nil
		},
	}
	res := c.Run(context.Background(), Scope{Host: "appliance"})
	if res.Outcome != OutcomeError {
		t.Fatalf("expected error with fewer than 3 sources, got %v", res.Outcome)
	}
}

func TestTimeSyncCheckSkippedWithinSkew(t *testing.T) {
	c := &TimeSyncCheck{
		MaxSkewMS: 100,
		QueryOffsets: func(ctx context.Context) ([]time.Duration, error) {
			return []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 15 * time.Millisecond}, nil
		},
	}
	res := c.Run(context.Background(), Scope{Host: "appliance"})
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped within skew, got %v", res.Outcome)
	}
}

func TestTimeSyncCheckFindingBeyondSkew(t *testing.T) {
	c := &TimeSyncCheck{
		MaxSkewMS: 50,
		QueryOffsets: func(ctx context.Context) ([]time.Duration, error) {
			return []time.Duration{200 * time.Millisecond, 250 * time.Millisecond, 300 * time.Millisecond}, nil
		},
	}
	res := c.Run(context.Background(), Scope{Host: "appliance"})
	if res.Outcome != OutcomeFinding {
		t.Fatalf("expected finding beyond skew, got %v", res.Outcome)
	}
}

func TestDiskEncryptionCheckListsUnencryptedMounts(t *testing.T) {
	c := &DiskEncryptionCheck{
		SensitiveMounts: []string{"/", "/data"},
		IsEncrypted: func(ctx context.Context, mount string) (bool, error) {
			return mount == "/", nil
		},
	}
	res := c.Run(context.Background(), Scope{Host: "db01"})
	if res.Outcome != OutcomeFinding {
		t.Fatalf("expected finding for the unencrypted mount, got %v", res.Outcome)
	}
	if res.Finding.PreState["unencrypted_mounts"] != "/data" {
		t.Fatalf("expected /data listed as unencrypted, got %q", res.Finding.PreState["unencrypted_mounts"])
	}
}

func TestBackupStatusCheckErrorPropagates(t *testing.T) {
	wantErr := errors.New("status file missing")
	c := &BackupStatusCheck{
		LastSuccess: func(ctx context.Context) (time.Time, error) { return time.Time{}, wantErr },
	}
	res := c.Run(context.Background(), Scope{Host: "db01"})
	if res.Outcome != OutcomeError || res.Err != wantErr {
		t.Fatalf("expected the underlying error to propagate, got %v / %v", res.Outcome, res.Err)
	}
}

func TestRunAllOneResultForOneRegisteredCheck(t *testing.T) {
	r := &Registry{checks: make(map[string]Check)}
	c := &FirewallBaselineCheck{
		BaselineHash: "x",
		CurrentHash:  func(ctx context.Context) (string, error) { return "y", nil },
	}
	r.Register(c)
	r.enabled = []string{"firewall_baseline"}

	results := r.RunAll(context.Background(), Scope{Host: "fw01"})
	if len(results) != 1 {
		t.Fatalf("expected exactly one result for one registered check, got %d", len(results))
	}
}

func TestRunAllRunsConcurrentlyAndCollectsAll(t *testing.T) {
	r := &Registry{checks: make(map[string]Check)}
	r.Register(&ServiceHealthCheck{
		UnitName:    "a.service",
		QueryActive: func(ctx context.Context, unit string) (bool, time.Time, error) { return true, time.Now(), nil },
	})
	r.Register(&FirewallBaselineCheck{
		BaselineHash: "match",
		CurrentHash:  func(ctx context.Context) (string, error) { return "match", nil },
	})
	r.enabled = []string{"service_health", "firewall_baseline"}

	results := r.RunAll(context.Background(), Scope{Host: "h1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Outcome != OutcomeSkipped {
			t.Fatalf("expected both checks to report skipped, got %v for %s", res.Outcome, res.CheckType)
		}
	}
}
