package queue

import (
	"fmt"
	"path/filepath"
)

// Destination kinds named in spec §4.2.
const (
	DestEvidence   = "evidence"
	DestIncidents  = "incidents"
	DestPatterns   = "patterns"
	DestHeartbeats = "heartbeats"
)

// Manager owns one Queue per destination kind, each its own SQLite file
// under dir, so a slow or corrupt destination can never head-of-line block
// another.
type Manager struct {
	dir     string
	queues  map[string]*Queue
	opts    Options
}

// NewManager opens (or creates) queues for the standard destination kinds
// under dir.
func NewManager(dir string, opts Options) (*Manager, error) {
	m := &Manager{dir: dir, queues: make(map[string]*Queue), opts: opts}
	for _, dest := range []string{DestEvidence, DestIncidents, DestPatterns, DestHeartbeats} {
		if _, err := m.open(dest); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) open(dest string) (*Queue, error) {
	q, err := Open(filepath.Join(m.dir, dest+".db"), m.opts)
	if err != nil {
		return nil, fmt.Errorf("open %s queue: %w", dest, err)
	}
	m.queues[dest] = q
	return q, nil
}

// Queue returns the durable queue for a destination kind.
func (m *Manager) Queue(dest string) *Queue {
	return m.queues[dest]
}

// Close closes every underlying queue.
func (m *Manager) Close() error {
	var firstErr error
	for _, q := range m.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
