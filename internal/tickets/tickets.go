// Package tickets implements the construction-ticket state machine
// (C3): two disjoint sets, issued and consumed, both keyed by the
// 32-byte ticket value.
//
// A ticket only exists in the issued set as a side effect of a
// successful grant redemption; consume moves it from issued to
// consumed exactly once. The ordered checks in Consume — not-issued
// before already-consumed — let an operator distinguish a forgery
// attempt from a replay attempt; both fail for the peer, and the error
// text names which check failed.
package tickets

import (
	"errors"
	"sync"
	"time"
)

// ErrNeverIssued is returned by Consume when the ticket was never
// created by a redemption.
var ErrNeverIssued = errors.New("ticket never issued")

// ErrAlreadyConsumed is returned by Consume when the ticket was issued
// but has already been spent.
var ErrAlreadyConsumed = errors.New("ticket already consumed")

// Size is the length in bytes of a construction ticket.
const Size = 32

type entry struct {
	expiresAt time.Time
}

// Table is the concurrent issued/consumed ticket store.
type Table struct {
	mu       sync.Mutex
	issued   map[[Size]byte]entry
	consumed map[[Size]byte]entry
	ttl      time.Duration
}

// New creates an empty Table with the given TTL applied to both sets.
func New(ttl time.Duration) *Table {
	return &Table{
		issued:   make(map[[Size]byte]entry),
		consumed: make(map[[Size]byte]entry),
		ttl:      ttl,
	}
}

// Issue inserts ticket into the issued set with a fresh expiry. Called
// by the handler immediately after a successful grant redemption.
func (t *Table) Issue(ticket [Size]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issued[ticket] = entry{expiresAt: time.Now().Add(t.ttl)}
}

// Consume spends a ticket. The never-issued check runs strictly before
// the already-consumed check.
func (t *Table) Consume(ticket [Size]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.issued[ticket]; !ok {
		return ErrNeverIssued
	}
	if _, ok := t.consumed[ticket]; ok {
		return ErrAlreadyConsumed
	}

	delete(t.issued, ticket)
	t.consumed[ticket] = entry{expiresAt: time.Now().Add(t.ttl)}
	return nil
}

// CleanupExpired prunes expired entries from both sets. Intended to be
// called periodically by a background goroutine.
func (t *Table) CleanupExpired() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.issued {
		if now.After(e.expiresAt) {
			delete(t.issued, k)
		}
	}
	for k, e := range t.consumed {
		if now.After(e.expiresAt) {
			delete(t.consumed, k)
		}
	}
}

// Counts returns the current size of the issued and consumed sets. For
// tests and metrics only.
func (t *Table) Counts() (issued, consumed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.issued), len(t.consumed)
}
