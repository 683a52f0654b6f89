package orders

import (
	"context"
	"testing"
	"time"
)

func TestProcessRejectsExpiredOrder(t *testing.T) {
	var completedSuccess bool
	var completedErr string

	p := NewProcessor(t.TempDir(), func(_ context.Context, orderID string, success bool, _ map[string]interface{}, errMsg string) error {
		completedSuccess = success
		completedErr = errMsg
		return nil
	})

	result := p.Process(context.Background(), &Order{
		OrderID:    "ord-expired",
		OrderType:  "force_checkin",
		IssuedAt:   time.Now().Add(-2 * time.Hour),
		TTLSeconds: 900,
	})

	if result == nil || result.Success {
		t.Fatalf("expected failure for expired order, got %+v", result)
	}
	if completedSuccess {
		t.Fatal("expected completion with success=false for expired order")
	}
	if completedErr == "" {
		t.Fatal("expected a non-empty error message for expired order")
	}
}

func TestProcessAllowsUnexpiredOrder(t *testing.T) {
	p := NewProcessor(t.TempDir(), nil)

	result := p.Process(context.Background(), &Order{
		OrderID:    "ord-fresh",
		OrderType:  "force_checkin",
		IssuedAt:   time.Now(),
		TTLSeconds: 900,
	})

	if result == nil || !result.Success {
		t.Fatalf("expected success for unexpired order, got %+v", result)
	}
}

func TestOrderExpiredWithNoTTLNeverExpires(t *testing.T) {
	o := &Order{OrderID: "ord-legacy"}
	if o.Expired(time.Now().Add(100 * time.Hour)) {
		t.Fatal("order with zero TTLSeconds should never report expired")
	}
}
