package grants

import (
	"testing"
	"time"
)

func testRequest() Request {
	return Request{FrameID: [16]byte{1}, Level: 2, DataDigest: [32]byte{3}}
}

func TestAuthorizeThenRedeem(t *testing.T) {
	tbl := New(time.Minute)
	grantID, expiresAt, err := tbl.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expiresAt is in the past")
	}

	req, ticket, err := tbl.Redeem(grantID)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if req != testRequest() {
		t.Fatalf("redeemed request mismatch: %+v", req)
	}
	if ticket == ([TicketSize]byte{}) {
		t.Fatal("construction ticket is zero")
	}
}

func TestRedeemIsOneShot(t *testing.T) {
	tbl := New(time.Minute)
	grantID, _, err := tbl.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if _, _, err := tbl.Redeem(grantID); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if _, _, err := tbl.Redeem(grantID); err != ErrNotFound {
		t.Fatalf("second Redeem = %v, want ErrNotFound", err)
	}
}

func TestRedeemUnknownGrant(t *testing.T) {
	tbl := New(time.Minute)
	var unknown [GrantIDSize]byte
	unknown[0] = 0xFF
	if _, _, err := tbl.Redeem(unknown); err != ErrNotFound {
		t.Fatalf("Redeem = %v, want ErrNotFound", err)
	}
}

func TestRedeemExpiredGrant(t *testing.T) {
	tbl := New(time.Nanosecond)
	grantID, _, err := tbl.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, _, err := tbl.Redeem(grantID); err != ErrExpired {
		t.Fatalf("Redeem = %v, want ErrExpired", err)
	}
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	tbl := New(time.Nanosecond)
	expiredID, _, err := tbl.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	time.Sleep(time.Millisecond)

	tbl2 := New(time.Minute)
	freshID, _, err := tbl2.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	tbl.CleanupExpired()
	if tbl.Len() != 0 {
		t.Fatalf("expired table Len() = %d, want 0", tbl.Len())
	}
	_ = expiredID

	tbl2.CleanupExpired()
	if tbl2.Len() != 1 {
		t.Fatalf("fresh table Len() = %d, want 1", tbl2.Len())
	}
	_ = freshID
}

func TestAuthorizeProducesDistinctGrantIDs(t *testing.T) {
	tbl := New(time.Minute)
	id1, _, err := tbl.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	id2, _, err := tbl.Authorize(testRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if id1 == id2 {
		t.Fatal("two Authorize calls produced the same grant_id")
	}
}
