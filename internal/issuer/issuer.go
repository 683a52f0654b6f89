// Package issuer builds signed orders on the plane side: the mirror image
// of the appliance's internal/crypto.OrderVerifier, using the same
// canonical-JSON-then-Ed25519-sign scheme C1 uses everywhere.
package issuer

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osiriscare/fleetguard/internal/crypto"
)

// DefaultTTLSeconds is the order lifetime used when a caller doesn't specify
// one.
const DefaultTTLSeconds = 900

// SignedOrder is a fully-issued order ready to hand to a transport (the
// checkin response's pending-orders list, or a direct push over C9).
type SignedOrder struct {
	OrderID       string                 `json:"order_id"`
	SiteID        string                 `json:"site_id"`
	ApplianceID   string                 `json:"appliance_id"`
	RunbookID     string                 `json:"runbook_id"`
	Args          map[string]interface{} `json:"args,omitempty"`
	IssuedAt      time.Time              `json:"issued_at"`
	TTLSeconds    int                    `json:"ttl_seconds"`
	SignedPayload string                 `json:"signed_payload"`
	Signature     string                 `json:"issuer_sig"`
}

// Issuer signs orders with the plane's Ed25519 key.
type Issuer struct {
	key ed25519.PrivateKey
}

// New builds an Issuer around an already-loaded signing key. The plane
// typically loads this once at startup via crypto.LoadOrCreateSigningKey
// and shares the Issuer across every request handler.
func New(key ed25519.PrivateKey) *Issuer {
	return &Issuer{key: key}
}

// Issue builds and signs a new order for one appliance. ttlSeconds <= 0
// uses DefaultTTLSeconds. The returned order's SignedPayload is the exact
// canonical JSON the appliance's crypto.OrderVerifier must reconstruct and
// verify the signature against.
func (i *Issuer) Issue(siteID, applianceID, runbookID string, args map[string]interface{}, ttlSeconds int) (*SignedOrder, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}

	order := SignedOrder{
		OrderID:     uuid.NewString(),
		SiteID:      siteID,
		ApplianceID: applianceID,
		RunbookID:   runbookID,
		Args:        args,
		IssuedAt:    time.Now().UTC(),
		TTLSeconds:  ttlSeconds,
	}

	payload, err := crypto.BuildSignedPayload(map[string]interface{}{
		"order_id":     order.OrderID,
		"site_id":      order.SiteID,
		"appliance_id": order.ApplianceID,
		"runbook_id":   order.RunbookID,
		"args":         order.Args,
		"issued_at":    order.IssuedAt,
		"ttl_seconds":  order.TTLSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("build signed payload: %w", err)
	}

	order.SignedPayload = payload
	order.Signature = crypto.Sign(i.key, []byte(payload))
	return &order, nil
}

// PublicKeyHex returns the plane's public key so it can be handed out in
// checkin responses for appliances to verify against.
func (i *Issuer) PublicKeyHex() string {
	pub := i.key.Public().(ed25519.PublicKey)
	return fmt.Sprintf("%x", []byte(pub))
}
