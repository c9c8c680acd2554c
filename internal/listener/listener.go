// Package listener owns the Unix domain socket lifecycle (C8): binding,
// FD_CLOEXEC hygiene on both the listening socket and every accepted
// connection, peer-UID authentication via SO_PEERCRED, and a bounded
// pool of per-connection goroutines.
//
// UID checking happens here, unconditionally, regardless of the
// configured security mode — a misconfigured mode must never be able
// to widen who is allowed to open a connection in the first place.
package listener

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/capseal/capseal/internal/protocol"
)

// Handler processes one framed request and returns the framed response
// to write back. Supplied by the caller (internal/handler).
type Handler func(peerUID uint32, request []byte) (response []byte)

// Metrics is the subset of observability counters the listener itself
// updates, independent of anything the handler dispatches.
type Metrics interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
}

// Listener accepts connections on a Unix domain socket, authenticates
// the peer by UID, and dispatches each request to a Handler.
type Listener struct {
	socketPath      string
	allowedUID      uint32
	maxRequestBytes int
	connTimeout     time.Duration
	maxInflight     int
	handle          Handler
	metrics         Metrics
	log             *zap.Logger

	sem chan struct{}
}

// Config carries the tunables a Listener needs at construction time.
type Config struct {
	SocketPath       string
	AllowedUID       uint32
	MaxRequestBytes  int
	ConnTimeout      time.Duration
	MaxInflightConns int
}

// New creates a Listener. Call Serve to start accepting.
func New(cfg Config, handle Handler, metrics Metrics, log *zap.Logger) *Listener {
	return &Listener{
		socketPath:      cfg.SocketPath,
		allowedUID:      cfg.AllowedUID,
		maxRequestBytes: cfg.MaxRequestBytes,
		connTimeout:     cfg.ConnTimeout,
		maxInflight:     cfg.MaxInflightConns,
		handle:          handle,
		metrics:         metrics,
		log:             log,
		sem:             make(chan struct{}, cfg.MaxInflightConns),
	}
}

// Serve binds the socket and accepts connections until ctx is
// cancelled. It blocks.
func (l *Listener) Serve(ctx context.Context) error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listener: remove stale socket %q: %w", l.socketPath, err)
	}

	lc := net.ListenConfig{}
	nl, err := lc.Listen(ctx, "unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("listener: listen %q: %w", l.socketPath, err)
	}
	ul, ok := nl.(*net.UnixListener)
	if !ok {
		nl.Close()
		return fmt.Errorf("listener: unexpected listener type %T", nl)
	}
	defer ul.Close()

	if err := setCloexec(ul); err != nil {
		return err
	}

	if err := os.Chmod(l.socketPath, 0o600); err != nil {
		return fmt.Errorf("listener: chmod %q: %w", l.socketPath, err)
	}

	l.log.Info("listener: accepting connections", zap.String("path", l.socketPath))

	go func() {
		<-ctx.Done()
		ul.Close()
	}()

	for {
		conn, err := ul.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Error("listener: accept error", zap.Error(err))
				continue
			}
		}

		if err := setCloexec(conn); err != nil {
			l.log.Error("listener: accepted conn cloexec", zap.Error(err))
			conn.Close()
			continue
		}

		select {
		case l.sem <- struct{}{}:
		default:
			l.log.Warn("listener: max inflight connections reached, rejecting")
			l.metrics.ConnectionRejected("max_inflight")
			conn.Close()
			continue
		}

		go func(c *net.UnixConn) {
			defer func() { <-l.sem }()
			defer c.Close()
			l.handleConn(c)
		}(conn)
	}
}

func (l *Listener) handleConn(conn *net.UnixConn) {
	uid, err := peerUID(conn)
	if err != nil {
		l.log.Warn("listener: peer credential lookup failed", zap.Error(err))
		l.metrics.ConnectionRejected("peercred_lookup_failed")
		return
	}
	if uid != l.allowedUID {
		l.log.Warn("listener: rejected connection from disallowed uid",
			zap.Uint32("uid", uid), zap.Uint32("allowed_uid", l.allowedUID))
		l.metrics.ConnectionRejected("uid_mismatch")
		return
	}
	l.metrics.ConnectionAccepted()

	_ = conn.SetDeadline(time.Now().Add(l.connTimeout))

	req, oversized, err := readRequest(conn, l.maxRequestBytes)
	if err != nil {
		l.log.Warn("listener: read error", zap.Error(err))
		return
	}
	if oversized {
		l.log.Warn("listener: request exceeds max size, replying with error",
			zap.Int("max", l.maxRequestBytes))
		l.writeOversizedError(conn)
		return
	}

	resp := l.handle(uid, req)
	if resp == nil {
		return
	}
	if _, err := conn.Write(resp); err != nil {
		l.log.Warn("listener: write error", zap.Error(err))
	}
}

// readRequest reads the full request from conn, relying on the
// peer's half-close to mark the end of the message rather than any
// single Read call: a stream socket may split one Write on the far
// side across several Reads on this one, so the framing boundary is
// EOF, not a single successful Read. It stops as soon as the
// accumulated byte count exceeds maxBytes, reporting oversized=true
// without reading further from the peer.
func readRequest(conn *net.UnixConn, maxBytes int) (req []byte, oversized bool, err error) {
	buf := make([]byte, 0, maxBytes+1)
	chunk := make([]byte, 4096)

	for {
		n, readErr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxBytes {
				return nil, true, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return buf, false, nil
			}
			return nil, false, readErr
		}
	}
}

// writeOversizedError replies with a Request-failed Error before
// closing, so the peer sees a diagnosable failure rather than a bare
// connection drop. Decode never ran, so the listener composes this
// one Error response itself instead of routing through the handler.
func (l *Listener) writeOversizedError(conn *net.UnixConn) {
	resp, err := protocol.Encode(protocol.ErrorReply{
		Error:  "Request failed",
		Reason: fmt.Sprintf("payload exceeds maximum size of %d bytes", l.maxRequestBytes),
	})
	if err != nil {
		l.log.Error("listener: failed encoding oversized-request error", zap.Error(err))
		return
	}
	if _, err := conn.Write(resp); err != nil {
		l.log.Warn("listener: write error", zap.Error(err))
	}
}

// setCloexec sets FD_CLOEXEC directly on the underlying file
// descriptor via fcntl, without duplicating it — duplicating (as
// File() does) would set the flag on a copy and leave the real
// descriptor unprotected across exec.
func setCloexec(sc syscall.Conn) error {
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("listener: syscall conn: %w", err)
	}
	return raw.Control(func(fd uintptr) {
		unix.CloseOnExec(int(fd))
	})
}

// peerUID reads the connecting process's UID via SO_PEERCRED.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("listener: syscall conn: %w", err)
	}

	var uid uint32
	var ucredErr error
	err = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			ucredErr = err
			return
		}
		uid = cred.Uid
	})
	if err != nil {
		return 0, fmt.Errorf("listener: control: %w", err)
	}
	if ucredErr != nil {
		return 0, fmt.Errorf("listener: getsockopt SO_PEERCRED: %w", ucredErr)
	}
	return uid, nil
}
