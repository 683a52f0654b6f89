package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateSigningKey loads an Ed25519 private key from path, generating
// and persisting a new one (0600, parent dir 0700) if the file doesn't exist
// yet. Returns the private key and its hex-encoded public key. The private
// key never leaves the process after this call; callers must not write it
// anywhere but this one file.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		pub := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
		return priv, pub, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, "", fmt.Errorf("write key: %w", err)
	}

	return priv, hex.EncodeToString(pub), nil
}

// Sign returns the hex-encoded Ed25519 signature over data.
func Sign(key ed25519.PrivateKey, data []byte) string {
	sig := ed25519.Sign(key, data)
	return hex.EncodeToString(sig)
}

// Verify checks an Ed25519 signature (hex-encoded) over data against a
// hex-encoded public key.
func Verify(pubKeyHex string, data []byte, sigHex string) error {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), data, sig) {
		return ErrBadSignature
	}
	return nil
}

// SignBundleHash signs a hex-encoded bundle_hash, returning the detached
// base64 signature required by the evidence bundle wire format (§6.2).
func SignBundleHash(key ed25519.PrivateKey, bundleHashHex string) (string, error) {
	raw, err := hex.DecodeString(bundleHashHex)
	if err != nil {
		return "", fmt.Errorf("decode bundle hash: %w", err)
	}
	sig := ed25519.Sign(key, raw)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyBundleSignature checks a base64 detached signature over a hex bundle_hash.
func VerifyBundleSignature(pubKeyHex, bundleHashHex, sigB64 string) error {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size")
	}
	raw, err := hex.DecodeString(bundleHashHex)
	if err != nil {
		return fmt.Errorf("decode bundle hash: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), raw, sig) {
		return ErrBadSignature
	}
	return nil
}
