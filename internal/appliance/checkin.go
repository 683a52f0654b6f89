package appliance

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CheckinRequest is the step-2 payload to the plane's /checkin, per spec §4.5.
type CheckinRequest struct {
	SiteID      string `json:"site_id"`
	ApplianceID string `json:"appliance_id"`
	AgentVersion string `json:"agent_version"`
	UptimeSeconds int   `json:"uptime_seconds"`
	RulesetHash string `json:"ruleset_hash"`
	ChainHeadHash string `json:"chain_head_hash"`
}

// CredentialTargetWire is the credential-pull shape embedded in a checkin
// response; material lives only for the lifetime of this struct.
type CredentialTargetWire struct {
	Host     string `json:"host"`
	AuthKind string `json:"auth_kind"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
	UseSSL   bool   `json:"use_ssl"`
}

// RulesSnapshot is the versioned L1 rule set distributed at check-in.
type RulesSnapshot struct {
	Version   int             `json:"version"`
	RulesJSON json.RawMessage `json:"rules"`
	Signature string          `json:"signature,omitempty"`
}

// OrderWire is an order as it arrives over the wire, before signature verification.
type OrderWire struct {
	OrderID     string                 `json:"order_id"`
	SiteID      string                 `json:"site_id"`
	ApplianceID string                 `json:"appliance_id"`
	RunbookID   string                 `json:"runbook_id"`
	Args        map[string]interface{} `json:"args,omitempty"`
	IssuedAt    time.Time              `json:"issued_at"`
	TTLSeconds  int                    `json:"ttl_seconds"`
	IssuerSig   string                 `json:"issuer_sig"`
}

// CheckinResponse is the plane's reply, per spec §4.5.
type CheckinResponse struct {
	ServerTime       time.Time               `json:"server_time"`
	ServerPublicKey  string                  `json:"server_public_key,omitempty"`
	CredentialTargets []CredentialTargetWire `json:"windows_targets"`
	Orders           []OrderWire             `json:"orders"`
	RulesSnapshot    *RulesSnapshot          `json:"rules_snapshot,omitempty"`
	EnabledRunbooks  []string                `json:"enabled_runbooks,omitempty"`
}

// CheckinClient performs the mutually-authenticated HTTPS check-in.
type CheckinClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewCheckinClient mirrors the teacher's PhoneHomeClient HTTP client shape:
// 30s timeout, TLS 1.2 floor, modest idle-connection reuse.
func NewCheckinClient(endpoint, apiKey string, tlsConfig *tls.Config) *CheckinClient {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &CheckinClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Checkin sends the step-2 request and returns the plane's response.
func (c *CheckinClient) Checkin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal checkin: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/checkin", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("checkin request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkin returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out CheckinResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}
