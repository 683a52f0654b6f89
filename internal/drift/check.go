// Package drift implements the drift detector (C3): a typed plugin registry
// of compliance checks run concurrently every tick, each producing a
// Finding, a Skipped result, or an Error result without masking prior
// findings.
package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/osiriscare/fleetguard/internal/domain"
)

// Outcome classifies what a Check produced for one run.
type Outcome int

const (
	OutcomeFinding Outcome = iota
	OutcomeSkipped
	OutcomeError
)

// Scope identifies what a check ran against — almost always a single host,
// occasionally the appliance itself (e.g. time_sync).
type Scope struct {
	Host string
}

// Result is the outcome of running one Check against one Scope.
type Result struct {
	CheckType string
	Outcome   Outcome
	Finding   *domain.Finding
	Err       error
}

// Check is the typed plugin contract from spec §4.3: run(scope) -> Finding | Skipped | Error.
type Check interface {
	CheckType() string
	Run(ctx context.Context, scope Scope) Result
}

// Fingerprint computes the stable hash over (check_type, scope) spec §3.1
// requires for deduplication.
func Fingerprint(checkType string, scope Scope) string {
	h := sha256.New()
	h.Write([]byte(checkType))
	h.Write([]byte{0})
	h.Write([]byte(scope.Host))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func finding(checkType string, severity domain.Severity, scope Scope, hipaaControl string, pre map[string]string) Result {
	return Result{
		CheckType: checkType,
		Outcome:   OutcomeFinding,
		Finding: &domain.Finding{
			CheckType:     checkType,
			Severity:      severity,
			Fingerprint:   Fingerprint(checkType, scope),
			PreState:      pre,
			Scope:         scope.Host,
			HIPAAControl:  hipaaControl,
			ObservedAt:    time.Now().UTC(),
		},
	}
}

func skipped(checkType string) Result {
	return Result{CheckType: checkType, Outcome: OutcomeSkipped}
}

func errored(checkType string, err error) Result {
	return Result{CheckType: checkType, Outcome: OutcomeError, Err: err}
}

// Registry holds the set of enabled checks and runs them concurrently.
type Registry struct {
	mu      sync.RWMutex
	checks  map[string]Check
	enabled []string
}

// NewRegistry builds a registry with the standard seven checks from spec
// §4.3's table, restricted to the enabled list (empty enabled = all
// registered checks run).
func NewRegistry(enabled []string) *Registry {
	r := &Registry{checks: make(map[string]Check)}
	r.Register(&ServiceHealthCheck{})
	r.Register(&FirewallBaselineCheck{})
	r.Register(&PatchStateCheck{})
	r.Register(&BackupStatusCheck{})
	r.Register(&DiskEncryptionCheck{})
	r.Register(&LogContinuityCheck{})
	r.Register(&TimeSyncCheck{})

	if len(enabled) == 0 {
		for name := range r.checks {
			enabled = append(enabled, name)
		}
	}
	r.enabled = enabled
	return r
}

// Register adds or replaces a check by its CheckType name.
func (r *Registry) Register(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[c.CheckType()] = c
}

// RunAll executes every enabled check concurrently against scope and
// deduplicates findings by fingerprint within this single call — "within
// one tick" per spec §4.3. A check that errors does not suppress any other
// check's finding; it contributes its own error Result.
func (r *Registry) RunAll(ctx context.Context, scope Scope) []Result {
	r.mu.RLock()
	enabled := append([]string(nil), r.enabled...)
	checks := make([]Check, 0, len(enabled))
	for _, name := range enabled {
		if c, ok := r.checks[name]; ok {
			checks = append(checks, c)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	resultCh := make(chan Result, len(checks))
	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			resultCh <- c.Run(ctx, scope)
		}(c)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	seen := make(map[string]bool)
	var results []Result
	for res := range resultCh {
		if res.Outcome == OutcomeFinding && res.Finding != nil {
			if seen[res.Finding.Fingerprint] {
				continue
			}
			seen[res.Finding.Fingerprint] = true
		}
		results = append(results, res)
	}
	return results
}
