package evidence

import (
	"path/filepath"
	"testing"

	"github.com/osiriscare/fleetguard/internal/crypto"
	"github.com/osiriscare/fleetguard/internal/domain"
)

func newTestBuilder(t *testing.T) (*Builder, string) {
	t.Helper()
	priv, pubHex, err := crypto.LoadOrCreateSigningKey(filepath.Join(t.TempDir(), "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}
	return NewBuilder("site-1", "appl-1", "reseller", nil, priv, ChainState{}), pubHex
}

func TestBuildBundleGenesis(t *testing.T) {
	b, pubHex := newTestBuilder(t)

	bundle, err := b.Build(BuildBundleInput{
		CheckType:   "firewall_baseline",
		ActionTaken: domain.ActionNone,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bundle.PrevHash != domain.GenesisHash {
		t.Fatalf("first bundle must chain from genesis, got %s", bundle.PrevHash)
	}
	if err := VerifyBundle(*bundle, pubHex); err != nil {
		t.Fatalf("VerifyBundle: %v", err)
	}
}

func TestBuildBundleChains(t *testing.T) {
	b, pubHex := newTestBuilder(t)

	first, err := b.Build(BuildBundleInput{CheckType: "time_sync", ActionTaken: domain.ActionNone})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := b.Build(BuildBundleInput{CheckType: "patch_state", ActionTaken: domain.ActionL1})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if second.PrevHash != first.BundleHash {
		t.Fatalf("second bundle's prev_hash must equal first bundle's hash")
	}
	if err := VerifyBundle(*second, pubHex); err != nil {
		t.Fatalf("VerifyBundle second: %v", err)
	}
}

func TestVerifyBundleDetectsTamper(t *testing.T) {
	b, pubHex := newTestBuilder(t)
	bundle, err := b.Build(BuildBundleInput{CheckType: "backup_status", ActionTaken: domain.ActionNone})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	bundle.PostState = map[string]string{"tampered": "true"}
	if err := VerifyBundle(*bundle, pubHex); err == nil {
		t.Fatal("expected verification failure after mutating the bundle")
	}
}
