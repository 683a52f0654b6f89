package crypto

import "testing"

func TestChainAppendGenesis(t *testing.T) {
	rec, err := ChainAppend(GenesisPrevHash, map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("ChainAppend: %v", err)
	}
	if rec.PrevHash != GenesisPrevHash {
		t.Fatalf("genesis record must carry the genesis prev_hash")
	}
	if len(rec.Hash) != 64 {
		t.Fatalf("hash must be 64 hex chars, got %d", len(rec.Hash))
	}
}

func TestVerifyChainDetectsBreak(t *testing.T) {
	r1, _ := ChainAppend(GenesisPrevHash, map[string]interface{}{"seq": 1})
	r2, _ := ChainAppend(r1.Hash, map[string]interface{}{"seq": 2})
	r3, _ := ChainAppend(r2.Hash, map[string]interface{}{"seq": 3})

	records := []ChainRecord{*r1, *r2, *r3}
	if _, ok := VerifyChain(records); !ok {
		t.Fatal("untampered chain must verify ok")
	}

	// Tamper with the middle payload without recomputing its hash.
	tampered := append([]ChainRecord{}, records...)
	tampered[1].Payload = []byte(`{"seq":999}`)
	brokenAt, ok := VerifyChain(tampered)
	if ok {
		t.Fatal("tampered chain must fail verification")
	}
	if brokenAt != r2.Hash {
		t.Fatalf("expected break reported at %s, got %s", r2.Hash, brokenAt)
	}
}

func TestChainAppendDeterministic(t *testing.T) {
	payload := map[string]interface{}{"x": "y", "n": 1}
	r1, _ := ChainAppend(GenesisPrevHash, payload)
	r2, _ := ChainAppend(GenesisPrevHash, payload)
	if r1.Hash != r2.Hash {
		t.Fatal("identical prev_hash and payload must produce identical hash")
	}
}
