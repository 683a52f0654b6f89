package appliance

import (
	"encoding/json"

	"github.com/osiriscare/fleetguard/internal/domain"
)

// marshalBundle/unmarshalBundle round-trip an evidence bundle through the
// durable outbound queue's opaque []byte payload.
func marshalBundle(b *domain.EvidenceBundle) ([]byte, error) {
	return json.Marshal(b)
}

func unmarshalBundle(raw []byte) (*domain.EvidenceBundle, error) {
	var b domain.EvidenceBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
