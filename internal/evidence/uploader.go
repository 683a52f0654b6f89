package evidence

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

	"github.com/osiriscare/fleetguard/internal/domain"
)

// Uploader submits evidence bundles to the plane's POST /evidence endpoint
// (C8) over mutual TLS, mirroring the appliance's phone-home HTTP client
// shape (bounded timeout, TLS 1.2 floor).
type Uploader struct {
	baseURL string
	client  *http.Client
}

// NewUploader builds an Uploader. tlsConfig should carry the appliance's
// client certificate for mTLS; tests may pass nil for a plain HTTP transport
// against an httptest.Server.
func NewUploader(baseURL string, tlsConfig *tls.Config) *Uploader {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Uploader{
		baseURL: strings.TrimRight(baseURL, "/"),
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

// UploadResult is the plane's response to a single bundle submission.
type UploadResult struct {
	AckSeq       int64  `json:"ack_seq"`
	NextPrevHash string `json:"next_prev_hash"`
}

// ErrChainFork is returned when the plane rejects a bundle because its
// prev_hash does not match the plane's recorded chain head for this appliance.
type ErrChainFork struct {
	ExpectedPrevHash string
}

func (e *ErrChainFork) Error() string {
	return fmt.Sprintf("chain fork: plane expects prev_hash %s", e.ExpectedPrevHash)
}

// Upload POSTs one bundle to /evidence. Callers are expected to retry with
// backoff on transient failures (C2) and to route a 409 ChainFork into the
// Integrity recovery path (§7).
func (u *Uploader) Upload(ctx context.Context, bundle *domain.EvidenceBundle) (*UploadResult, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/evidence", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload bundle: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result UploadResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return &result, nil
	case http.StatusConflict:
		var forkBody struct {
			NextPrevHash string `json:"next_prev_hash"`
		}
		_ = json.Unmarshal(respBody, &forkBody)
		return nil, &ErrChainFork{ExpectedPrevHash: forkBody.NextPrevHash}
	default:
		return nil, fmt.Errorf("upload returned %d: %s", resp.StatusCode, string(respBody))
	}
}
