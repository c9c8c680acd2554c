// Package grants implements the TTL-bounded, one-shot grant table (C2).
//
// An authorize call mints a grant_id and a construction_ticket, both
// independently sampled from the CSPRNG, and stores them keyed by
// grant_id until either redemption or expiry removes the entry.
// Redemption is atomic remove-then-check so a grant never survives a
// second redemption attempt, concurrent or otherwise.
package grants

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by Redeem when the grant_id is unknown —
// either it never existed or it was already redeemed. The two cases
// are indistinguishable to the caller by design.
var ErrNotFound = errors.New("grant not found")

// ErrExpired is returned by Redeem when the grant_id was present but
// its TTL had already elapsed.
var ErrExpired = errors.New("grant expired")

const (
	// GrantIDSize is the length in bytes of a grant_id.
	GrantIDSize = 16
	// TicketSize is the length in bytes of a construction_ticket.
	TicketSize = 32
)

// Request is the caller-supplied authorization request captured at
// authorize time and returned verbatim on redemption.
type Request struct {
	FrameID    [16]byte
	Level      uint32
	DataDigest [32]byte
}

type grant struct {
	request          Request
	constructionTicket [TicketSize]byte
	expiresAt        time.Time
}

// Table is the concurrent grant store. The zero value is not usable;
// construct with New.
type Table struct {
	mu     sync.Mutex
	grants map[[GrantIDSize]byte]grant
	ttl    time.Duration
}

// New creates an empty Table with the given grant TTL.
func New(ttl time.Duration) *Table {
	return &Table{
		grants: make(map[[GrantIDSize]byte]grant),
		ttl:    ttl,
	}
}

// Authorize mints a fresh grant_id and construction_ticket, inserts the
// grant, and returns the grant_id and the wall-clock expiry instant.
func (t *Table) Authorize(req Request) ([GrantIDSize]byte, time.Time, error) {
	var grantID [GrantIDSize]byte
	if _, err := rand.Read(grantID[:]); err != nil {
		return grantID, time.Time{}, fmt.Errorf("grants: generate grant_id: %w", err)
	}
	var ticket [TicketSize]byte
	if _, err := rand.Read(ticket[:]); err != nil {
		return grantID, time.Time{}, fmt.Errorf("grants: generate construction_ticket: %w", err)
	}

	expiresAt := time.Now().Add(t.ttl)

	t.mu.Lock()
	t.grants[grantID] = grant{
		request:            req,
		constructionTicket: ticket,
		expiresAt:           expiresAt,
	}
	t.mu.Unlock()

	return grantID, expiresAt, nil
}

// Redeem atomically removes the grant_id entry, if present, before
// checking its expiry — so a second concurrent redemption never
// observes the entry regardless of timing.
func (t *Table) Redeem(grantID [GrantIDSize]byte) (Request, [TicketSize]byte, error) {
	t.mu.Lock()
	g, ok := t.grants[grantID]
	if ok {
		delete(t.grants, grantID)
	}
	t.mu.Unlock()

	if !ok {
		return Request{}, [TicketSize]byte{}, ErrNotFound
	}
	if time.Now().After(g.expiresAt) {
		return Request{}, [TicketSize]byte{}, ErrExpired
	}
	return g.request, g.constructionTicket, nil
}

// CleanupExpired removes all grants whose TTL has elapsed. Intended to
// be called periodically by a background goroutine.
func (t *Table) CleanupExpired() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, g := range t.grants {
		if now.After(g.expiresAt) {
			delete(t.grants, id)
		}
	}
}

// Len returns the current number of pending grants. For tests and
// metrics only.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.grants)
}
