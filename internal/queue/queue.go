// Package queue implements the durable outbound queue (C2): a crash-safe,
// append-only, strictly-FIFO journal per destination kind, backed by
// WAL-mode SQLite. Every write here is forced to fsync (synchronous=FULL)
// before Enqueue returns, because C2's contract
// requires "returns only after the item is fsynced; never loses on power
// loss" — NORMAL synchronous mode does not make that guarantee on SQLite's
// own documentation, so this package tightens it.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Item is one journaled entry.
type Item struct {
	Seq       int64
	Payload   []byte
	CreatedAt time.Time
	Attempts  int
}

// Options configures a Queue's bounds. Defaults match spec §6.4.
type Options struct {
	HardCapBytes int64         // default 256 MiB
	RetainFloor  time.Duration // default 90 days; never evict items younger than this
}

const (
	defaultHardCapBytes = 256 * 1024 * 1024
	defaultRetainFloor  = 90 * 24 * time.Hour

	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute
)

// Queue is one destination's durable journal (e.g. "evidence", "incidents",
// "patterns", "heartbeats" — spec §4.2 calls for one queue per destination
// kind). Ordering is strict FIFO by monotonic sequence number.
type Queue struct {
	mu   sync.Mutex
	db   *sql.DB
	opts Options
}

// Open opens (or creates) the durable queue at path. On restart, SQLite's
// own WAL replay rebuilds the table and index; the queue resumes from
// whatever rows remain unacked — "replay journal, rebuild index, resume
// from last acked sequence" falls directly out of that durability, so no
// separate replay step is implemented here.
func Open(path string, opts Options) (*Queue, error) {
	if opts.HardCapBytes <= 0 {
		opts.HardCapBytes = defaultHardCapBytes
	}
	if opts.RetainFloor <= 0 {
		opts.RetainFloor = defaultRetainFloor
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; SQLite serializes anyway

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create items table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &Queue{db: db, opts: opts}, nil
}

// Enqueue durably appends payload, returning its assigned sequence number.
// It does not return until the write is fsynced (synchronous=FULL above).
func (q *Queue) Enqueue(payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.evictLocked(); err != nil {
		return 0, fmt.Errorf("enforce bounds: %w", err)
	}

	now := time.Now().UTC()
	res, err := q.db.Exec(
		`INSERT INTO items (payload, created_at, next_attempt_at) VALUES (?, ?, ?)`,
		payload, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get sequence: %w", err)
	}
	return seq, nil
}

// Head returns up to n oldest items without removing them, oldest first.
func (q *Queue) Head(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT seq, payload, created_at, attempts FROM items ORDER BY seq ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Seq, &it.Payload, &it.CreatedAt, &it.Attempts); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReadyHead returns up to n oldest items whose next_attempt_at has elapsed,
// respecting per-item exponential backoff while preserving FIFO order.
func (q *Queue) ReadyHead(now time.Time, n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(
		`SELECT seq, payload, created_at, attempts FROM items WHERE next_attempt_at <= ? ORDER BY seq ASC LIMIT ?`,
		now, n,
	)
	if err != nil {
		return nil, fmt.Errorf("ready head: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Seq, &it.Payload, &it.CreatedAt, &it.Attempts); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Ack atomically removes every item with sequence <= seq.
func (q *Queue) Ack(seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`DELETE FROM items WHERE seq <= ?`, seq)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// RecordFailure bumps an item's attempt counter and schedules its next
// retry using the backoff policy in spec §4.2:
// min(base·2^attempts + jitter, cap=15min).
func (q *Queue) RecordFailure(seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var attempts int
	if err := q.db.QueryRow(`SELECT attempts FROM items WHERE seq = ?`, seq).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("read attempts: %w", err)
	}
	attempts++
	next := time.Now().UTC().Add(NextBackoff(attempts))

	_, err := q.db.Exec(`UPDATE items SET attempts = ?, next_attempt_at = ? WHERE seq = ?`, attempts, next, seq)
	if err != nil {
		return fmt.Errorf("update attempts: %w", err)
	}
	return nil
}

// NextBackoff computes the delay before the next attempt after `attempts`
// consecutive failures.
func NextBackoff(attempts int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempts))
	jitter := time.Duration(rand.Int63n(int64(backoffBase)))
	d += jitter
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Size returns the current item count.
func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Bytes returns the current footprint in bytes.
func (q *Queue) Bytes() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n sql.NullInt64
	if err := q.db.QueryRow(`SELECT SUM(LENGTH(payload)) FROM items`).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// evictLocked enforces the bounded-footprint rule: items are only evicted
// once total footprint exceeds HardCapBytes, and only if they are older
// than RetainFloor — every bundle younger than the retain floor survives
// regardless of how far over the cap the queue is. Caller holds q.mu.
func (q *Queue) evictLocked() error {
	var total sql.NullInt64
	if err := q.db.QueryRow(`SELECT SUM(LENGTH(payload)) FROM items`).Scan(&total); err != nil {
		return err
	}
	if total.Int64 <= q.opts.HardCapBytes {
		return nil
	}

	cutoff := time.Now().UTC().Add(-q.opts.RetainFloor)
	for total.Int64 > q.opts.HardCapBytes {
		var seq int64
		var size int64
		err := q.db.QueryRow(
			`SELECT seq, LENGTH(payload) FROM items WHERE created_at < ? ORDER BY seq ASC LIMIT 1`,
			cutoff,
		).Scan(&seq, &size)
		if err == sql.ErrNoRows {
			// Nothing evictable left — every remaining item is within the
			// retain floor. The caller (C5/C7) surfaces this as the
			// Resource/degraded state from spec §7.
			break
		}
		if err != nil {
			return err
		}
		if _, err := q.db.Exec(`DELETE FROM items WHERE seq = ?`, seq); err != nil {
			return err
		}
		total.Int64 -= size
	}
	return nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Prune removes items older than maxAge regardless of footprint, used by
// operator tooling; production eviction always goes through evictLocked so
// the retain floor is honored.
func (q *Queue) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := q.db.ExecContext(ctx, `DELETE FROM items WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
