package evidencechain

import (
	"context"
	"testing"
)

func TestFilesystemColdStoreRoundTrip(t *testing.T) {
	cs, err := NewFilesystemColdStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemColdStore: %v", err)
	}

	ctx := context.Background()
	payload := []byte(`{"bundle_id":"b1","check_type":"firewall_status"}`)

	if err := cs.Archive(ctx, "site-1", "b1", payload); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := cs.Fetch(ctx, "site-1", "b1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Fetch = %s, want %s", got, payload)
	}
}

func TestFilesystemColdStoreFetchMissing(t *testing.T) {
	cs, err := NewFilesystemColdStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemColdStore: %v", err)
	}
	if _, err := cs.Fetch(context.Background(), "site-1", "does-not-exist"); err == nil {
		t.Fatal("expected an error fetching a bundle that was never archived")
	}
}

func TestFilesystemColdStoreIsolatesSites(t *testing.T) {
	cs, err := NewFilesystemColdStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemColdStore: %v", err)
	}
	ctx := context.Background()

	if err := cs.Archive(ctx, "site-a", "b1", []byte("a")); err != nil {
		t.Fatalf("Archive site-a: %v", err)
	}
	if err := cs.Archive(ctx, "site-b", "b1", []byte("b")); err != nil {
		t.Fatalf("Archive site-b: %v", err)
	}

	gotA, _ := cs.Fetch(ctx, "site-a", "b1")
	gotB, _ := cs.Fetch(ctx, "site-b", "b1")
	if string(gotA) != "a" || string(gotB) != "b" {
		t.Fatalf("expected isolated archives per site, got %q and %q", gotA, gotB)
	}
}
