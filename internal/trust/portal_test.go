package trust

import (
	"testing"
	"time"
)

func TestPortalIssueAndValidate(t *testing.T) {
	issuer := NewPortalIssuer()
	tok, err := issuer.Issue("site-1", ScopeRead, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := issuer.Validate(tok.Token, ScopeRead)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.SiteID != "site-1" {
		t.Fatalf("SiteID = %s, want site-1", got.SiteID)
	}
}

func TestPortalReadTokenCannotServeVerifyChainScope(t *testing.T) {
	issuer := NewPortalIssuer()
	tok, _ := issuer.Issue("site-1", ScopeRead, time.Hour)

	if _, err := issuer.Validate(tok.Token, ScopeVerifyChain); err == nil {
		t.Fatal("expected a read-scoped token to be rejected for verify-chain")
	}
}

func TestPortalTokenExpires(t *testing.T) {
	issuer := NewPortalIssuer()
	tok, _ := issuer.Issue("site-1", ScopeRead, -time.Minute) // already expired

	if _, err := issuer.Validate(tok.Token, ScopeRead); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestPortalRevoke(t *testing.T) {
	issuer := NewPortalIssuer()
	tok, _ := issuer.Issue("site-1", ScopeRead, time.Hour)
	issuer.Revoke(tok.Token)

	if _, err := issuer.Validate(tok.Token, ScopeRead); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestPortalUnknownTokenRejected(t *testing.T) {
	issuer := NewPortalIssuer()
	if _, err := issuer.Validate("does-not-exist", ScopeRead); err == nil {
		t.Fatal("expected unknown token to be rejected")
	}
}
