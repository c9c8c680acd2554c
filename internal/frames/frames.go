// Package frames implements the registered frame table (C4): the gate
// that prevents an attacker from minting an arbitrary frame_id and
// harvesting seals for it. A frame_id is only ever inserted as a side
// effect of a successful grant redemption.
package frames

import (
	"errors"
	"sync"
)

// ErrUnknownFrame is returned by Update when frame_id has never been
// registered via a redemption.
var ErrUnknownFrame = errors.New("frame not registered")

// Metadata is the current {level, data_digest} associated with a
// registered frame.
type Metadata struct {
	Level      uint32
	DataDigest [32]byte
}

// Table is the concurrent frame registry.
type Table struct {
	mu     sync.RWMutex
	frames map[[16]byte]Metadata
}

// New creates an empty Table.
func New() *Table {
	return &Table{frames: make(map[[16]byte]Metadata)}
}

// RegisterFromGrant inserts (or idempotently overwrites) an entry for
// frameID with the given metadata. Called by the handler immediately
// after a successful redemption, before the initial seal is computed.
func (t *Table) RegisterFromGrant(frameID [16]byte, meta Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[frameID] = meta
}

// Update overwrites metadata for an already-registered frame. It never
// creates a new entry: registration is exclusively a redemption
// side effect.
func (t *Table) Update(frameID [16]byte, meta Metadata) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frames[frameID]; !ok {
		return ErrUnknownFrame
	}
	t.frames[frameID] = meta
	return nil
}

// Contains reports whether frameID is registered.
func (t *Table) Contains(frameID [16]byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.frames[frameID]
	return ok
}

// Get returns the metadata for frameID, if registered.
func (t *Table) Get(frameID [16]byte) (Metadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.frames[frameID]
	return m, ok
}

// Len returns the number of registered frames. For tests and metrics
// only.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames)
}
