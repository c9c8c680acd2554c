package audit

import (
	"path/filepath"
	"testing"
)

func TestDisabledLedgerCountsButDoesNotPersist(t *testing.T) {
	l := NewDisabled()
	defer l.Close()

	id1, err := l.Record("authorize_construct", "ok")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	id2, err := l.Record("redeem_grant", "ok")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id1 != 1 || id2 != 2 {
		t.Fatalf("ids = (%d, %d), want (1, 2)", id1, id2)
	}
}

func TestBoltLedgerChainsHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	l, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	bl, ok := l.(*boltLedger)
	if !ok {
		t.Fatalf("Open returned %T, want *boltLedger", l)
	}

	id1, err := l.Record("authorize_construct", "ok")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	hashAfterFirst := bl.parentHash

	id2, err := l.Record("redeem_grant", "ok")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id2 != id1+1 {
		t.Fatalf("audit_id did not increment monotonically: %d then %d", id1, id2)
	}
	if bl.parentHash == hashAfterFirst {
		t.Fatal("parentHash did not advance after second record")
	}
	if hashAfterFirst == "" {
		t.Fatal("parentHash is empty after first record")
	}
}

func TestBoltLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	l1, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, err := l1.Record("authorize_construct", "ok")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, 30)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer l2.Close()

	id2, err := l2.Record("redeem_grant", "ok")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id2 != id1+1 {
		t.Fatalf("audit_id after reopen = %d, want %d (chain must continue across restarts)", id2, id1+1)
	}
}
