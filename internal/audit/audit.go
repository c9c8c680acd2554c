// Package audit implements the pluggable, hash-chained audit ledger
// (C11). Every dispatched request produces one monotonic audit_id
// regardless of whether persistence is enabled; when it is, the entry
// is additionally written to a bbolt bucket with its decision_hash
// folded over the previous entry's hash, so the on-disk ledger is
// tamper-evident end to end — the protocol surface is identical
// either way.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketLedger = "ledger"
	bucketMeta   = "meta"

	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"
)

// Entry is one persisted ledger record.
type Entry struct {
	AuditID     uint64    `json:"audit_id"`
	Op          string    `json:"op"`
	Outcome     string    `json:"outcome"`
	DecisionHash string   `json:"decision_hash"`
	ParentHash  string    `json:"parent_hash"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Ledger issues monotonic audit IDs and, when backed by storage,
// persists a hash-chained entry for each one.
type Ledger interface {
	// Record assigns the next audit_id to (op, outcome) and returns it.
	Record(op, outcome string) (uint64, error)
	// Close releases any underlying resources.
	Close() error
}

// nopLedger advances the counter but persists nothing. Used when the
// audit block is disabled in configuration.
type nopLedger struct {
	counter uint64
}

// NewDisabled returns a Ledger that only advances the audit_id
// counter.
func NewDisabled() Ledger {
	return &nopLedger{}
}

func (l *nopLedger) Record(_, _ string) (uint64, error) {
	return atomic.AddUint64(&l.counter, 1), nil
}

func (l *nopLedger) Close() error { return nil }

// boltLedger persists a hash-chained ledger to a bbolt database.
type boltLedger struct {
	db *bolt.DB

	mu         sync.Mutex
	counter    uint64
	parentHash string
}

// Open opens (or creates) the audit database at path and prunes
// entries older than retentionDays.
func Open(path string, retentionDays int) (Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	l := &boltLedger{db: db}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init buckets: %w", err)
	}

	if err := l.loadTail(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := l.prune(retentionDays); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// loadTail restores counter and parentHash from the last written
// entry, so a restart continues the same hash chain.
func (l *boltLedger) loadTail() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("audit: decode tail entry: %w", err)
		}
		l.counter = e.AuditID
		l.parentHash = e.DecisionHash
		return nil
	})
}

func ledgerKey(auditID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, auditID)
	return key
}

// Record assigns the next audit_id, computes its chained
// decision_hash, and writes the entry in one ACID transaction.
func (l *boltLedger) Record(op, outcome string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	auditID := l.counter + 1
	recordedAt := time.Now().UTC()

	decisionHash := computeDecisionHash(auditID, op, outcome, recordedAt, l.parentHash)

	entry := Entry{
		AuditID:      auditID,
		Op:           op,
		Outcome:      outcome,
		DecisionHash: decisionHash,
		ParentHash:   l.parentHash,
		RecordedAt:   recordedAt,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal entry: %w", err)
	}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(ledgerKey(auditID), data)
	}); err != nil {
		return 0, fmt.Errorf("audit: write entry: %w", err)
	}

	l.counter = auditID
	l.parentHash = decisionHash
	return auditID, nil
}

func computeDecisionHash(auditID uint64, op, outcome string, recordedAt time.Time, parentHash string) string {
	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], auditID)
	h.Write(idBuf[:])
	h.Write([]byte(op))
	h.Write([]byte(outcome))
	h.Write([]byte(recordedAt.Format(time.RFC3339Nano)))
	h.Write([]byte(parentHash))
	return hex.EncodeToString(h.Sum(nil))
}

// prune deletes entries older than retentionDays. Returns the count
// deleted.
func (l *boltLedger) prune(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("audit: decode entry during prune: %w", err)
			}
			if e.RecordedAt.After(cutoff) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("audit: prune delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Close closes the underlying bbolt file.
func (l *boltLedger) Close() error {
	return l.db.Close()
}
