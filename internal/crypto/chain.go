package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChainRecord is one link in a hash chain: hash = SHA256(prev_hash || SHA256(canonical_json(payload))).
type ChainRecord struct {
	PrevHash string
	Hash     string
	Payload  []byte // canonical JSON of the payload
}

// ChainAppend computes the next link given the previous hash and a payload.
// The payload is canonicalized internally; callers pass the raw value (not
// pre-serialized bytes) so the same canonicalization rule is always applied.
func ChainAppend(prevHash string, payload interface{}) (*ChainRecord, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	payloadDigest := sha256.Sum256(canon)
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payloadDigest[:])
	hash := hex.EncodeToString(h.Sum(nil))

	return &ChainRecord{
		PrevHash: prevHash,
		Hash:     hash,
		Payload:  canon,
	}, nil
}

// VerifyChain walks a sequence of records, checking that each record's
// prev_hash matches the previous record's hash and that each hash recomputes
// from its stored payload. It returns the hash of the first broken record,
// or "" if the whole chain verifies.
func VerifyChain(records []ChainRecord) (brokenAt string, ok bool) {
	for i, rec := range records {
		expectedPrev := GenesisPrevHash
		if i > 0 {
			expectedPrev = records[i-1].Hash
		}
		if rec.PrevHash != expectedPrev {
			return rec.Hash, false
		}
		payloadDigest := sha256.Sum256(rec.Payload)
		h := sha256sum(rec.PrevHash, payloadDigest[:])
		if h != rec.Hash {
			return rec.Hash, false
		}
	}
	return "", true
}

func sha256sum(prevHash string, payloadDigest []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payloadDigest)
	return hex.EncodeToString(h.Sum(nil))
}

// GenesisPrevHash is the prev_hash of the first record in any chain: 64 hex zeros.
var GenesisPrevHash = func() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}()
