package evidencechain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ColdStore archives full bundle payloads to a durable, cheaper tier once
// they've been appended to the hot index. Storage tier is transparent to
// readers: the verify and timeline paths always go through the hot index,
// so a ColdStore only needs to support archival and retrieval by key, never
// indexed queries. Production deployments back this with an object-store
// bucket; that client is a named external collaborator per spec and is
// deliberately not implemented here — only its contract is.
type ColdStore interface {
	Archive(ctx context.Context, siteID, bundleID string, raw []byte) error
	Fetch(ctx context.Context, siteID, bundleID string) ([]byte, error)
}

// FilesystemColdStore is the in-repo ColdStore used for local and
// small-deployment installs, grounded on the teacher's serveAgentFiles
// local-directory-serving convention (internal/daemon's agent-file server):
// one flat directory tree keyed by site then bundle ID.
type FilesystemColdStore struct {
	baseDir string
}

// NewFilesystemColdStore creates a ColdStore rooted at baseDir, creating it
// if it doesn't already exist.
func NewFilesystemColdStore(baseDir string) (*FilesystemColdStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create cold store dir: %w", err)
	}
	return &FilesystemColdStore{baseDir: baseDir}, nil
}

func (f *FilesystemColdStore) path(siteID, bundleID string) string {
	return filepath.Join(f.baseDir, filepath.Base(siteID), filepath.Base(bundleID)+".json")
}

// Archive writes the bundle's raw JSON to <baseDir>/<site_id>/<bundle_id>.json.
func (f *FilesystemColdStore) Archive(_ context.Context, siteID, bundleID string, raw []byte) error {
	path := f.path(siteID, bundleID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create site dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// Fetch reads back a previously archived bundle.
func (f *FilesystemColdStore) Fetch(_ context.Context, siteID, bundleID string) ([]byte, error) {
	raw, err := os.ReadFile(f.path(siteID, bundleID))
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return raw, nil
}
