package appliance

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// executedOrderRetention is how long an executed order ID is kept in the
// dedup set after execution. Spec requires at least 2x the maximum order
// TTL so a replayed (expired-then-resent) order can never be re-executed.
const executedOrderRetention = 2 * time.Hour

// executedOrder records when an order was executed, so old entries can be
// pruned instead of growing the set forever.
type executedOrder struct {
	ExecutedAt time.Time `json:"executed_at"`
}

// PersistedState holds appliance state that must survive restarts: the
// evidence chain head (so a restart never forks the hash chain) and the
// set of already-executed order IDs (so a replayed order is never run
// twice even across a reboot).
type PersistedState struct {
	ChainHeadHash   string                    `json:"chain_head_hash"`
	ChainSeq        int64                     `json:"chain_seq"`
	ExecutedOrders  map[string]executedOrder  `json:"executed_orders"`
	RulesetVersion  int                       `json:"ruleset_version"`
	SavedAt         time.Time                 `json:"saved_at"`
}

// State is the in-memory, mutex-guarded wrapper around PersistedState,
// flushed to disk via atomic tmp+rename after every tick.
type State struct {
	mu       sync.RWMutex
	path     string
	data     PersistedState
}

// LoadState restores persisted state from path, or returns a fresh empty
// state if no file exists yet (first boot).
func LoadState(path string) (*State, error) {
	s := &State{path: path, data: PersistedState{ExecutedOrders: map[string]executedOrder{}}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read appliance state: %w", err)
	}

	var p PersistedState
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse appliance state: %w", err)
	}
	if p.ExecutedOrders == nil {
		p.ExecutedOrders = map[string]executedOrder{}
	}
	s.data = p
	return s, nil
}

// ChainHead returns the current evidence chain head hash and sequence.
func (s *State) ChainHead() (hash string, seq int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ChainHeadHash, s.data.ChainSeq
}

// SetChainHead updates the chain head after a bundle is appended.
func (s *State) SetChainHead(hash string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ChainHeadHash = hash
	s.data.ChainSeq = seq
}

// NextSeq returns the chain sequence number one past the current head,
// for use when advancing the head after building a new bundle.
func (s *State) NextSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ChainSeq + 1
}

// HasExecuted reports whether an order ID has already been executed.
func (s *State) HasExecuted(orderID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.ExecutedOrders[orderID]
	return ok
}

// MarkExecuted records an order as executed, preventing replay.
func (s *State) MarkExecuted(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ExecutedOrders[orderID] = executedOrder{ExecutedAt: time.Now()}
}

// pruneExecuted drops executed-order records older than the retention
// window. Must be called with the lock held.
func (s *State) pruneExecuted(now time.Time) {
	for id, rec := range s.data.ExecutedOrders {
		if now.Sub(rec.ExecutedAt) > executedOrderRetention {
			delete(s.data.ExecutedOrders, id)
		}
	}
}

// RulesetVersion returns the currently-applied L1 rule set version.
func (s *State) RulesetVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.RulesetVersion
}

// SetRulesetVersion records the applied L1 rule set version.
func (s *State) SetRulesetVersion(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.RulesetVersion = v
}

// Save persists state to disk via atomic tmp+rename, pruning expired
// executed-order entries first.
func (s *State) Save() {
	s.mu.Lock()
	s.pruneExecuted(time.Now())
	s.data.SavedAt = time.Now()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()

	if err != nil {
		log.Printf("[appliance] failed to marshal state: %v", err)
		return
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		log.Printf("[appliance] failed to write state file: %v", err)
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		log.Printf("[appliance] failed to rename state file: %v", err)
	}
}
