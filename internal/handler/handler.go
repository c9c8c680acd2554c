// Package handler implements the request dispatcher (C7): per-request
// HMAC verification, per-variant business logic, and response
// composition. One call to Handle corresponds to exactly one
// connection's single request/response exchange.
package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/capseal/capseal/internal/audit"
	"github.com/capseal/capseal/internal/frames"
	"github.com/capseal/capseal/internal/grants"
	"github.com/capseal/capseal/internal/protocol"
	"github.com/capseal/capseal/internal/secrets"
	"github.com/capseal/capseal/internal/tickets"
)

// Metrics is the set of counters the handler updates. Implemented by
// internal/observability so this package never imports Prometheus
// directly.
type Metrics interface {
	GrantAuthorized()
	GrantRedeemed()
	GrantRedeemFailed()
	TicketIssued()
	TicketConsumed()
	TicketConsumeFailed()
	SealComputed()
	SealVerified(valid bool)
	FrameNotRegistered()
	AuthFailure()
	RequestServed()
}

// Handler dispatches decoded requests against the shared state tables
// and composes CBOR-encoded responses.
type Handler struct {
	grants  *grants.Table
	tickets *tickets.Table
	frames  *frames.Table
	secrets *secrets.Secrets

	sessionKey []byte
	ledger     audit.Ledger
	metrics    Metrics
	log        *zap.Logger

	startedAt      time.Time
	requestsServed uint64
	authFailures   uint64
}

// New constructs a Handler wired to the given shared state and
// collaborators.
func New(g *grants.Table, t *tickets.Table, f *frames.Table, s *secrets.Secrets, sessionKey []byte, ledger audit.Ledger, metrics Metrics, log *zap.Logger) *Handler {
	return &Handler{
		grants:     g,
		tickets:    t,
		frames:     f,
		secrets:    s,
		sessionKey: sessionKey,
		ledger:     ledger,
		metrics:    metrics,
		log:        log,
		startedAt:  time.Now(),
	}
}

// Handle decodes one request, verifies its authentication, dispatches
// it, and returns the CBOR-encoded response. A nil return means no
// reply could be encoded (the failure is logged here); the connection
// then closes without a reply.
func (h *Handler) Handle(requestBytes []byte) []byte {
	req, err := protocol.Decode(requestBytes)
	if err != nil {
		return h.errorReply("Request failed", err.Error())
	}

	if req.RequiresAuth() && !h.verifyAuth(req) {
		atomic.AddUint64(&h.authFailures, 1)
		h.metrics.AuthFailure()
		h.recordAudit(req.Op(), "auth_failed")
		h.log.Warn("handler: HMAC verification failed", zap.String("op", req.Op()))
		return h.errorReply("Authentication failed", "Invalid HMAC signature")
	}

	atomic.AddUint64(&h.requestsServed, 1)
	h.metrics.RequestServed()

	switch r := req.(type) {
	case *protocol.AuthorizeConstructRequest:
		return h.handleAuthorizeConstruct(r)
	case *protocol.RedeemGrantRequest:
		return h.handleRedeemGrant(r)
	case *protocol.ConsumeConstructionTicketRequest:
		return h.handleConsumeTicket(r)
	case *protocol.ComputeSealRequest:
		return h.handleComputeSeal(r)
	case *protocol.VerifySealRequest:
		return h.handleVerifySeal(r)
	case *protocol.HealthCheckRequest:
		return h.handleHealthCheck()
	default:
		return h.errorReply("Request failed", "unrecognized request variant")
	}
}

// verifyAuth recomputes the HMAC over the request's canonical bytes
// and compares it against the carried tag in constant time.
func (h *Handler) verifyAuth(req protocol.Request) bool {
	canonical, err := req.CanonicalBytes()
	if err != nil {
		h.log.Error("handler: canonical encode failed", zap.Error(err))
		return false
	}
	mac := hmac.New(sha256.New, h.sessionKey)
	mac.Write(canonical)
	want := mac.Sum(nil)
	return hmac.Equal(want, req.AuthTag())
}

func (h *Handler) handleAuthorizeConstruct(r *protocol.AuthorizeConstructRequest) []byte {
	grantID, expiresAt, err := h.grants.Authorize(grants.Request{
		FrameID:    r.FrameID,
		Level:      r.Level,
		DataDigest: r.DataDigest,
	})
	if err != nil {
		h.log.Error("handler: authorize failed", zap.Error(err))
		h.recordAudit(r.Op(), "internal_error")
		return h.errorReply("Request failed", err.Error())
	}

	h.metrics.GrantAuthorized()
	auditID := h.recordAudit(r.Op(), "ok")
	reply, err := protocol.Encode(protocol.AuthorizeConstructReply{
		GrantID:   grantID[:],
		ExpiresAt: float64(expiresAt.UnixNano()) / 1e9,
	})
	if err != nil {
		return h.internalEncodeError(err)
	}
	_ = auditID
	return reply
}

func (h *Handler) handleRedeemGrant(r *protocol.RedeemGrantRequest) []byte {
	req, ticket, err := h.grants.Redeem(r.GrantID)
	if err != nil {
		h.metrics.GrantRedeemFailed()
		h.recordAudit(r.Op(), "redeem_failed")
		return h.errorReply("Grant redemption failed", err.Error())
	}
	h.metrics.GrantRedeemed()

	h.tickets.Issue(ticket)
	h.metrics.TicketIssued()

	h.frames.RegisterFromGrant(req.FrameID, frames.Metadata{Level: req.Level, DataDigest: req.DataDigest})

	seal, err := h.secrets.ComputeSeal(req.FrameID, req.Level, req.DataDigest)
	if err != nil {
		h.log.Error("handler: compute seal on redeem failed", zap.Error(err))
		h.recordAudit(r.Op(), "internal_error")
		return h.errorReply("Request failed", err.Error())
	}
	h.metrics.SealComputed()

	auditID := h.recordAudit(r.Op(), "ok")
	reply, err := protocol.Encode(protocol.RedeemGrantReply{
		ConstructionTicket: ticket[:],
		Seal:               seal[:],
		AuditID:            auditID,
	})
	if err != nil {
		return h.internalEncodeError(err)
	}
	return reply
}

func (h *Handler) handleConsumeTicket(r *protocol.ConsumeConstructionTicketRequest) []byte {
	err := h.tickets.Consume(r.Ticket)
	if err != nil {
		h.metrics.TicketConsumeFailed()
		h.recordAudit(r.Op(), "consume_failed")
		return h.errorReply("Ticket consumption failed", err.Error())
	}
	h.metrics.TicketConsumed()

	auditID := h.recordAudit(r.Op(), "ok")
	reply, err := protocol.Encode(protocol.ConsumeTicketReply{Consumed: true, AuditID: auditID})
	if err != nil {
		return h.internalEncodeError(err)
	}
	return reply
}

func (h *Handler) handleComputeSeal(r *protocol.ComputeSealRequest) []byte {
	if !h.frames.Contains(r.FrameID) {
		h.metrics.FrameNotRegistered()
		h.recordAudit(r.Op(), "frame_not_registered")
		return h.errorReply("Frame not registered", "frame_id has never been redeemed")
	}

	seal, err := h.secrets.ComputeSeal(r.FrameID, r.Level, r.DataDigest)
	if err != nil {
		h.log.Error("handler: compute seal failed", zap.Error(err))
		h.recordAudit(r.Op(), "internal_error")
		return h.errorReply("Request failed", err.Error())
	}
	h.metrics.SealComputed()

	if err := h.frames.Update(r.FrameID, frames.Metadata{Level: r.Level, DataDigest: r.DataDigest}); err != nil {
		h.log.Error("handler: frame update after compute_seal failed", zap.Error(err))
	}

	auditID := h.recordAudit(r.Op(), "ok")
	reply, err := protocol.Encode(protocol.ComputeSealReply{Seal: seal[:], AuditID: auditID})
	if err != nil {
		return h.internalEncodeError(err)
	}
	return reply
}

func (h *Handler) handleVerifySeal(r *protocol.VerifySealRequest) []byte {
	if !h.frames.Contains(r.FrameID) {
		h.metrics.FrameNotRegistered()
		h.recordAudit(r.Op(), "frame_not_registered")
		return h.errorReply("Frame not registered", "frame_id has never been redeemed")
	}

	valid := h.secrets.VerifySeal(r.FrameID, r.Level, r.DataDigest, r.Seal[:])
	h.metrics.SealVerified(valid)

	auditID := h.recordAudit(r.Op(), "ok")
	reply, err := protocol.Encode(protocol.VerifySealReply{Valid: valid, AuditID: auditID})
	if err != nil {
		return h.internalEncodeError(err)
	}
	return reply
}

func (h *Handler) handleHealthCheck() []byte {
	h.recordAudit(protocol.OpHealthCheck, "ok")
	reply, err := protocol.Encode(protocol.HealthCheckReply{
		Status:         "healthy",
		UptimeSecs:     uint64(time.Since(h.startedAt).Seconds()),
		RequestsServed: atomic.LoadUint64(&h.requestsServed),
		AuthFailures:   atomic.LoadUint64(&h.authFailures),
	})
	if err != nil {
		return h.internalEncodeError(err)
	}
	return reply
}

func (h *Handler) recordAudit(op, outcome string) uint64 {
	auditID, err := h.ledger.Record(op, outcome)
	if err != nil {
		h.log.Error("handler: audit record failed", zap.Error(err), zap.String("op", op))
	}
	return auditID
}

func (h *Handler) errorReply(errTag, reason string) []byte {
	reply, err := protocol.Encode(protocol.ErrorReply{Error: errTag, Reason: reason})
	if err != nil {
		h.log.Error("handler: failed encoding error reply", zap.Error(err))
		return nil
	}
	return reply
}

func (h *Handler) internalEncodeError(err error) []byte {
	h.log.Error("handler: encode reply failed", zap.Error(err))
	return nil
}
