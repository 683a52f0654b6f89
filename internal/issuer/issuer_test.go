package issuer

import (
	"crypto/ed25519"
	"testing"

	"github.com/osiriscare/fleetguard/internal/crypto"
)

func TestIssueVerifiesWithAppliancesOrderVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	iss := New(priv)
	order, err := iss.Issue("site-1", "site-1-AA:BB:CC:DD:EE:FF", "restart_agent",
		map[string]interface{}{"service": "fleetguard-agent"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if order.TTLSeconds != DefaultTTLSeconds {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTLSeconds, order.TTLSeconds)
	}
	if order.OrderID == "" {
		t.Fatal("expected a generated order ID")
	}

	verifier := crypto.NewOrderVerifier("")
	if err := verifier.SetPublicKey(iss.PublicKeyHex()); err != nil {
		t.Fatalf("SetPublicKey: %v", err)
	}
	if verifier.PublicKeyHex() != hexEncode(pub) {
		t.Fatalf("public key mismatch")
	}

	if err := verifier.VerifyOrder(order.SignedPayload, order.Signature); err != nil {
		t.Fatalf("VerifyOrder should succeed for a freshly issued order: %v", err)
	}
}

func TestIssueCustomTTLIsRespected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	iss := New(priv)

	order, err := iss.Issue("site-1", "appliance-1", "run_drift", nil, 300)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if order.TTLSeconds != 300 {
		t.Fatalf("expected TTL 300, got %d", order.TTLSeconds)
	}
}

func TestIssueTamperedPayloadFailsVerification(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	iss := New(priv)

	order, err := iss.Issue("site-1", "appliance-1", "nixos_rebuild", nil, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	verifier := crypto.NewOrderVerifier(iss.PublicKeyHex())
	tampered := order.SignedPayload + "x"
	if err := verifier.VerifyOrder(tampered, order.Signature); err == nil {
		t.Fatal("expected verification failure for tampered payload")
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}
