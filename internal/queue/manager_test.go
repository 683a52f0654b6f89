package queue

import "testing"

func TestManagerOpensOneQueuePerDestination(t *testing.T) {
	m, err := NewManager(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	for _, dest := range []string{DestEvidence, DestIncidents, DestPatterns, DestHeartbeats} {
		q := m.Queue(dest)
		if q == nil {
			t.Fatalf("expected a queue for destination %s", dest)
		}
		if _, err := q.Enqueue([]byte("x")); err != nil {
			t.Fatalf("enqueue into %s: %v", dest, err)
		}
	}

	// Destinations are independent: evidence queue content must not leak
	// into incidents.
	evidenceItems, _ := m.Queue(DestEvidence).Head(10)
	incidentItems, _ := m.Queue(DestIncidents).Head(10)
	if len(evidenceItems) != 1 || len(incidentItems) != 1 {
		t.Fatalf("expected 1 item in each independent queue, got evidence=%d incidents=%d",
			len(evidenceItems), len(incidentItems))
	}
}
