package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StampState mirrors the verify_stamp states in spec §4.1.
type StampState string

const (
	StampPending  StampState = "pending"
	StampAnchored StampState = "anchored"
	StampVerified StampState = "verified"
	StampFailed   StampState = "failed"
)

// ExternalProof is the opaque proof returned by stamp() and supplied back to verify_stamp().
type ExternalProof struct {
	AuthorityURL string `json:"authority_url"`
	ProofBytes   []byte `json:"-"`
	ProofB64     string `json:"proof_bytes_b64"`
}

// Anchorer submits hashes to, and polls proofs from, an external timestamping
// authority. Production wires an HTTP client against a real authority;
// tests substitute a fake so C8's stamp/verify_stamp tests don't need network.
type Anchorer interface {
	Stamp(ctx context.Context, hash string) (*ExternalProof, error)
	VerifyStamp(ctx context.Context, hash string, proof *ExternalProof) (StampState, error)
}

// HTTPAnchorer is the production Anchorer: it POSTs the hash to an HTTP
// timestamping endpoint and polls a verify endpoint.
type HTTPAnchorer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPAnchorer builds an Anchorer against baseURL with a bounded-timeout client.
func NewHTTPAnchorer(baseURL string) *HTTPAnchorer {
	return &HTTPAnchorer{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (a *HTTPAnchorer) Stamp(ctx context.Context, hash string) (*ExternalProof, error) {
	body, _ := json.Marshal(map[string]string{"hash": hash})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/stamp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stamp request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stamp returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		ProofB64 string `json:"proof_bytes_b64"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse stamp response: %w", err)
	}
	proofBytes, err := base64.StdEncoding.DecodeString(out.ProofB64)
	if err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}

	return &ExternalProof{
		AuthorityURL: a.BaseURL,
		ProofBytes:   proofBytes,
		ProofB64:     out.ProofB64,
	}, nil
}

func (a *HTTPAnchorer) VerifyStamp(ctx context.Context, hash string, proof *ExternalProof) (StampState, error) {
	if proof == nil {
		return StampPending, ErrStampPending
	}
	body, _ := json.Marshal(map[string]string{"hash": hash, "proof_bytes_b64": proof.ProofB64})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return StampFailed, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return StampFailed, fmt.Errorf("verify_stamp request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StampFailed, fmt.Errorf("parse verify_stamp response: %w", err)
	}

	switch StampState(out.State) {
	case StampPending, StampAnchored, StampVerified:
		return StampState(out.State), nil
	default:
		return StampFailed, ErrStampFailed
	}
}
