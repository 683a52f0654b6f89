package appliance

// manage.go wires the operator remote-management surface: Central Command
// queues management orders (NixOS rebuilds, log views, diagnostics, credential
// refresh requests, promoted-rule syncs) out of band from the signed
// per-tick runbook orders tick.go already verifies and executes. This is a
// distinct, lower-frequency poll against its own endpoint — an operator
// clicking "rebuild now" in the console shouldn't wait for the next
// check-in's runbook order path, and shouldn't need a signature scheme built
// for high-frequency automated healing.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/osiriscare/fleetguard/internal/orders"
)

// ManagementClient fetches and completes operator management orders.
type ManagementClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewManagementClient(endpoint, apiKey string) *ManagementClient {
	return &ManagementClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchPending retrieves queued management orders for this appliance.
func (m *ManagementClient) FetchPending(ctx context.Context, applianceID string) ([]orders.Order, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/manage/orders?appliance_id=%s", m.endpoint, applianceID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch management orders returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Orders []orders.Order `json:"orders"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse management orders: %w", err)
	}
	return out.Orders, nil
}

// Complete reports one order's outcome back to Central Command.
func (m *ManagementClient) Complete(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"order_id": orderID,
		"success":  success,
		"result":   result,
		"error":    errMsg,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/manage/orders/%s/complete", m.endpoint, orderID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("complete management order returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// pollManagementOrders fetches and processes any pending management orders.
// Errors are logged, never fatal — a management-channel outage must never
// interrupt the tick loop's own check-in/heal/evidence cycle.
func (a *Appliance) pollManagementOrders(ctx context.Context) {
	if a.manageClient == nil || a.orderProc == nil {
		return
	}
	pending, err := a.manageClient.FetchPending(ctx, a.config.ApplianceID)
	if err != nil {
		log.Printf("[appliance] failed to fetch management orders: %v", err)
		return
	}
	a.orderProc.ProcessAll(ctx, pending)
}
