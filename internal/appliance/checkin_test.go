package appliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckinRoundTrip(t *testing.T) {
	var gotReq CheckinRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/checkin" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := CheckinResponse{
			ServerTime: time.Now().UTC(),
			Orders: []OrderWire{
				{OrderID: "ord-1", RunbookID: "rb-1", TTLSeconds: 900, IssuedAt: time.Now()},
			},
			EnabledRunbooks: []string{"rb-1"},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewCheckinClient(srv.URL, "test-key", nil)
	resp, err := client.Checkin(context.Background(), CheckinRequest{
		SiteID:      "site-1",
		ApplianceID: "app-1",
		ChainHeadHash: "abc123",
	})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	if gotReq.SiteID != "site-1" || gotReq.ApplianceID != "app-1" {
		t.Fatalf("request not round-tripped correctly: %+v", gotReq)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].OrderID != "ord-1" {
		t.Fatalf("expected one order ord-1, got %+v", resp.Orders)
	}
}

func TestCheckinNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad api key"))
	}))
	defer srv.Close()

	client := NewCheckinClient(srv.URL, "wrong-key", nil)
	_, err := client.Checkin(context.Background(), CheckinRequest{SiteID: "site-1"})
	if err == nil {
		t.Fatal("expected error on 401 response")
	}
}
