package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateSigningKeyNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "signing.key")

	priv, pubHex, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}
	if priv == nil {
		t.Fatal("private key is nil")
	}
	if len(pubHex) != 64 {
		t.Fatalf("expected 64 hex chars for public key, got %d", len(pubHex))
	}
}

func TestLoadOrCreateSigningKeyReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")

	_, pub1, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, pub2, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if pub1 != pub2 {
		t.Fatalf("reloaded key has different public key: %s vs %s", pub1, pub2)
	}
}

func TestSignVerify(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}

	data := []byte(`{"site_id":"test","checks":[]}`)
	sigHex := Sign(priv, data)

	if err := Verify(pubHex, data, sigHex); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tampered := append([]byte{}, data...)
	tampered[0] = 'X'
	if err := Verify(pubHex, tampered, sigHex); err == nil {
		t.Fatal("expected verification failure on tampered data")
	}
}

func TestSignVerifyBundleHash(t *testing.T) {
	dir := t.TempDir()
	priv, pubHex, err := LoadOrCreateSigningKey(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}

	bundleHash := hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	sig, err := SignBundleHash(priv, bundleHash)
	if err != nil {
		t.Fatalf("SignBundleHash: %v", err)
	}
	if err := VerifyBundleSignature(pubHex, bundleHash, sig); err != nil {
		t.Fatalf("VerifyBundleSignature: %v", err)
	}
}

func TestVerifyRejectsBadSignatureSize(t *testing.T) {
	_, pubHex, _ := LoadOrCreateSigningKey(filepath.Join(t.TempDir(), "signing.key"))
	if err := Verify(pubHex, []byte("data"), "00"); err == nil {
		t.Fatal("expected error for truncated signature")
	}
}
