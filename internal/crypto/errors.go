package crypto

import "errors"

// Sentinel errors for the cryptographic envelope (C1), matching the taxonomy
// in the error handling design: Integrity errors halt evidence emission,
// Auth errors are discarded with no retry.
var (
	ErrBadSignature = errors.New("bad signature")
	ErrStampPending = errors.New("external timestamp pending")
	ErrStampFailed  = errors.New("external timestamp failed")
)

// ChainBrokenError reports the hash at which a chain's single-pass verify
// first diverges.
type ChainBrokenError struct {
	AtHash string
}

func (e *ChainBrokenError) Error() string {
	return "chain broken at " + e.AtHash
}

// ErrChainBroken constructs a ChainBrokenError.
func ErrChainBroken(atHash string) error {
	return &ChainBrokenError{AtHash: atHash}
}
