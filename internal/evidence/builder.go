// Package evidence builds, chains and signs evidence bundles on the
// appliance side (C1 envelope applied to C5's step 8) and uploads them to
// the plane's evidence chain server (C8).
package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osiriscare/fleetguard/internal/crypto"
	"github.com/osiriscare/fleetguard/internal/domain"
)

// ChainState is the appliance's local view of its own chain head, persisted
// to the chain head file described in spec §6.5.
type ChainState struct {
	PrevHash    string    `json:"prev_hash"`
	LastBundleID string   `json:"last_bundle_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Builder constructs, chains and signs evidence bundles for one appliance.
// It is safe for concurrent use: the chain head must be advanced atomically
// even if findings are produced by concurrent drift checks.
type Builder struct {
	mu          sync.Mutex
	siteID      string
	applianceID string
	deploymentMode string
	resellerID  *string
	signingKey  ed25519.PrivateKey
	head        ChainState
}

// NewBuilder creates a Builder seeded from a persisted chain head (or the
// genesis state if none was persisted yet).
func NewBuilder(siteID, applianceID, deploymentMode string, resellerID *string, key ed25519.PrivateKey, head ChainState) *Builder {
	if head.PrevHash == "" {
		head.PrevHash = domain.GenesisHash
	}
	return &Builder{
		siteID:         siteID,
		applianceID:    applianceID,
		deploymentMode: deploymentMode,
		resellerID:     resellerID,
		signingKey:     key,
		head:           head,
	}
}

// Head returns a copy of the current chain head.
func (b *Builder) Head() ChainState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// BuildBundleInput carries the fields the healer (C4) or agent loop (C5)
// knows about a single check/action cycle.
type BuildBundleInput struct {
	CheckType         string
	PreState          map[string]string
	PostState         map[string]string
	ActionTaken       domain.ActionTaken
	Reason            string
	RollbackAvailable bool
	RulesetHash       string
	NixOSRevision     string
	DerivationDigest  string
}

// Build constructs the next bundle in this appliance's chain: it computes
// bundle_hash over every field except {bundle_hash, signature,
// external_timestamp}, signs the hash, and advances the in-memory head.
// The caller is responsible for persisting the new head durably (C2/C6.5)
// before acting on the bundle as committed.
func (b *Builder) Build(in BuildBundleInput) (*domain.EvidenceBundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate bundle id: %w", err)
	}

	bundle := domain.EvidenceBundle{
		BundleID:          id.String(),
		SiteID:            b.siteID,
		ApplianceID:       b.applianceID,
		CreatedAt:         time.Now().UTC(),
		CheckType:         in.CheckType,
		PreState:          in.PreState,
		PostState:         in.PostState,
		ActionTaken:       in.ActionTaken,
		RollbackAvailable: in.RollbackAvailable,
		RulesetHash:       in.RulesetHash,
		NixOSRevision:     in.NixOSRevision,
		DerivationDigest:  in.DerivationDigest,
		DeploymentMode:    b.deploymentMode,
		ResellerID:        b.resellerID,
		PrevHash:          b.head.PrevHash,
		Reason:            in.Reason,
	}

	hash, err := bundleHash(bundle)
	if err != nil {
		return nil, fmt.Errorf("compute bundle hash: %w", err)
	}
	bundle.BundleHash = hash

	sig, err := crypto.SignBundleHash(b.signingKey, hash)
	if err != nil {
		return nil, fmt.Errorf("sign bundle: %w", err)
	}
	bundle.Signature = sig

	b.head = ChainState{
		PrevHash:     hash,
		LastBundleID: bundle.BundleID,
		UpdatedAt:    bundle.CreatedAt,
	}

	return &bundle, nil
}

// Rebase force-sets the chain head, used only by the Integrity recovery path
// (§7) after an operator approves resuming from the plane's reported head.
func (b *Builder) Rebase(head ChainState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = head
}

// bundleHash computes SHA256(canonical_json(bundle minus the three excluded fields)).
func bundleHash(b domain.EvidenceBundle) (string, error) {
	b.BundleHash = ""
	b.Signature = ""
	b.ExternalTimestamp = nil

	canon, err := crypto.CanonicalJSON(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyBundle recomputes bundle_hash and checks the signature, per the
// testable property in spec §8.
func VerifyBundle(b domain.EvidenceBundle, appliancePubKeyHex string) error {
	want, err := bundleHash(b)
	if err != nil {
		return err
	}
	if want != b.BundleHash {
		return fmt.Errorf("bundle_hash mismatch: computed %s, stored %s", want, b.BundleHash)
	}
	return crypto.VerifyBundleSignature(appliancePubKeyHex, b.BundleHash, b.Signature)
}
