// Package redteam — isolation_test.go
//
// Adversarial checks of the sidecar's actual isolation boundary: the
// Unix socket's permission bits, descriptor hygiene under connection
// churn, and the daemon's refusal to treat crafted wire bytes as
// anything but untrusted input. Unlike a kernel-hook or namespace-
// escape harness, this boundary is entirely userspace: SO_PEERCRED
// plus file mode, per this daemon's security model.
//
// Run with: go test -tags redteam ./test/redteam/
//
//go:build redteam

package redteam_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/capseal/capseal/internal/audit"
	"github.com/capseal/capseal/internal/frames"
	"github.com/capseal/capseal/internal/grants"
	"github.com/capseal/capseal/internal/handler"
	"github.com/capseal/capseal/internal/listener"
	"github.com/capseal/capseal/internal/secrets"
	"github.com/capseal/capseal/internal/tickets"
)

type nopMetrics struct{}

func (nopMetrics) GrantAuthorized()     {}
func (nopMetrics) GrantRedeemed()       {}
func (nopMetrics) GrantRedeemFailed()   {}
func (nopMetrics) TicketIssued()        {}
func (nopMetrics) TicketConsumed()      {}
func (nopMetrics) TicketConsumeFailed() {}
func (nopMetrics) SealComputed()        {}
func (nopMetrics) SealVerified(bool)    {}
func (nopMetrics) FrameNotRegistered()  {}
func (nopMetrics) AuthFailure()         {}
func (nopMetrics) RequestServed()       {}
func (nopMetrics) ConnectionAccepted()       {}
func (nopMetrics) ConnectionRejected(string) {}

func startTestListener(t *testing.T) (socketPath string, cancel context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "sidecar.sock")

	secretStore, err := secrets.Generate()
	if err != nil {
		t.Fatalf("secrets.Generate: %v", err)
	}
	h := handler.New(grants.New(time.Minute), tickets.New(time.Minute), frames.New(), secretStore, make([]byte, 32), audit.NewDisabled(), nopMetrics{}, zap.NewNop())

	l := listener.New(listener.Config{
		SocketPath:       socketPath,
		AllowedUID:       uint32(os.Getuid()),
		MaxRequestBytes:  65536,
		ConnTimeout:      2 * time.Second,
		MaxInflightConns: 8,
	}, func(_ uint32, req []byte) []byte { return h.Handle(req) }, nopMetrics{}, zap.NewNop())

	ctx, cancelFn := context.WithCancel(context.Background())
	go l.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return socketPath, cancelFn
}

// TestSocketModeIsExclusivelyOwnerReadWrite guards against a regression
// that would let a different local user even attempt to connect —
// SO_PEERCRED is the primary control, but the mode bits are the first
// line of defense and must never widen.
func TestSocketModeIsExclusivelyOwnerReadWrite(t *testing.T) {
	socketPath, cancel := startTestListener(t)
	defer cancel()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("socket mode = %04o, want 0600", info.Mode().Perm())
	}
}

// openFDCount returns the number of open file descriptors for the
// current process, by counting entries under /proc/self/fd.
func openFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot read /proc/self/fd: %v", err)
	}
	return len(entries)
}

// TestConnectionChurnDoesNotLeakDescriptors hammers the listener with
// many short-lived connections and confirms the process's open fd
// count returns to baseline — a slow fd leak is its own denial-of-
// service against the daemon, exhausting RLIMIT_NOFILE over time.
func TestConnectionChurnDoesNotLeakDescriptors(t *testing.T) {
	socketPath, cancel := startTestListener(t)
	defer cancel()

	before := openFDCount(t)

	for i := 0; i < 200; i++ {
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err != nil {
			t.Fatalf("iteration %d: Dial: %v", i, err)
		}
		_, _ = conn.Write([]byte{0xA0}) // empty CBOR map, decode fails cleanly
		_ = conn.(*net.UnixConn).CloseWrite()
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = conn.Read(buf)
		conn.Close()
	}

	time.Sleep(100 * time.Millisecond) // let server-side goroutines finish closing
	after := openFDCount(t)

	// Allow a small fixed slack for scheduling jitter, not proportional
	// to iteration count: a real leak would show up as growth scaled
	// to the 200 iterations above.
	if after > before+5 {
		t.Fatalf("fd count grew from %d to %d after 200 connections — possible leak", before, after)
	}
}

// TestUnauthenticatedGarbageDoesNotPanic feeds the daemon hand-crafted
// byte sequences that are malformed CBOR or not a request at all (an
// empty map carries no "op"), confirming the
// decode path returns a clean Error rather than panicking the
// connection-handling goroutine.
func TestUnauthenticatedGarbageDoesNotPanic(t *testing.T) {
	socketPath, cancel := startTestListener(t)
	defer cancel()

	garbage := [][]byte{
		{0xFF, 0xFF, 0xFF, 0xFF},
		{},
		[]byte(strings.Repeat("A", 4)),
		{0xA0}, // empty CBOR map, no "op"
	}

	for i, g := range garbage {
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err != nil {
			t.Fatalf("case %d: Dial: %v", i, err)
		}
		if _, err := conn.Write(g); err != nil {
			t.Fatalf("case %d: Write: %v", i, err)
		}
		_ = conn.(*net.UnixConn).CloseWrite()

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf) // a clean Error or a closed connection are both acceptable; a panic is not
		conn.Close()
	}
}
