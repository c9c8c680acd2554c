// Package protocol implements the CBOR wire codec (C5): decoding of
// the six request variants, encoding of responses, and the canonical
// byte sequence each authenticated request variant is HMAC'd over.
//
// Canonical form matters: every implementation on both ends of the
// socket must serialize the non-auth fields identically, byte for
// byte, or HMAC verification silently fails for everyone. This package
// uses github.com/fxamacker/cbor/v2 in its canonical encoding mode
// (definite-length containers, shortest-form integers) for exactly
// that reason.
package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: building canonical encode mode: %v", err))
	}
	return m
}()

// Op names match the wire tag carried in the "op" field of every
// request.
const (
	OpAuthorizeConstruct         = "authorize_construct"
	OpRedeemGrant                = "redeem_grant"
	OpConsumeConstructionTicket  = "consume_construction_ticket"
	OpComputeSeal                = "compute_seal"
	OpVerifySeal                 = "verify_seal"
	OpHealthCheck                = "health_check"
)

// wireRequest is the over-the-wire shape of every request variant.
// Fields not relevant to a given op are simply absent.
type wireRequest struct {
	Op         string `cbor:"op"`
	FrameID    []byte `cbor:"frame_id,omitempty"`
	Level      uint32 `cbor:"level,omitempty"`
	DataDigest []byte `cbor:"data_digest,omitempty"`
	GrantID    []byte `cbor:"grant_id,omitempty"`
	Ticket     []byte `cbor:"ticket,omitempty"`
	Seal       []byte `cbor:"seal,omitempty"`
	Auth       []byte `cbor:"auth,omitempty"`
}

// Request is the decoded, typed form of one request variant.
type Request interface {
	// Op returns the wire tag for this variant.
	Op() string
	// RequiresAuth reports whether the variant carries an auth field
	// that must be HMAC-verified. Only HealthCheck does not.
	RequiresAuth() bool
	// AuthTag returns the auth field, or nil for HealthCheck.
	AuthTag() []byte
	// CanonicalBytes returns the deterministic CBOR encoding of the
	// variant's non-auth fields, used as the HMAC input.
	CanonicalBytes() ([]byte, error)
}

// AuthorizeConstructRequest requests a one-shot grant.
type AuthorizeConstructRequest struct {
	FrameID    [16]byte
	Level      uint32
	DataDigest [32]byte
	Auth       []byte
}

func (r *AuthorizeConstructRequest) Op() string          { return OpAuthorizeConstruct }
func (r *AuthorizeConstructRequest) RequiresAuth() bool  { return true }
func (r *AuthorizeConstructRequest) AuthTag() []byte     { return r.Auth }
func (r *AuthorizeConstructRequest) CanonicalBytes() ([]byte, error) {
	return canonicalTriple(r.FrameID, r.Level, r.DataDigest)
}

// RedeemGrantRequest redeems a previously authorized grant.
type RedeemGrantRequest struct {
	GrantID [16]byte
	Auth    []byte
}

func (r *RedeemGrantRequest) Op() string         { return OpRedeemGrant }
func (r *RedeemGrantRequest) RequiresAuth() bool { return true }
func (r *RedeemGrantRequest) AuthTag() []byte    { return r.Auth }
func (r *RedeemGrantRequest) CanonicalBytes() ([]byte, error) {
	return encMode.Marshal(r.GrantID[:])
}

// ConsumeConstructionTicketRequest spends a construction ticket.
type ConsumeConstructionTicketRequest struct {
	Ticket [32]byte
	Auth   []byte
}

func (r *ConsumeConstructionTicketRequest) Op() string         { return OpConsumeConstructionTicket }
func (r *ConsumeConstructionTicketRequest) RequiresAuth() bool { return true }
func (r *ConsumeConstructionTicketRequest) AuthTag() []byte    { return r.Auth }
func (r *ConsumeConstructionTicketRequest) CanonicalBytes() ([]byte, error) {
	return encMode.Marshal(r.Ticket[:])
}

// ComputeSealRequest requests a seal for an already-registered frame.
type ComputeSealRequest struct {
	FrameID    [16]byte
	Level      uint32
	DataDigest [32]byte
	Auth       []byte
}

func (r *ComputeSealRequest) Op() string         { return OpComputeSeal }
func (r *ComputeSealRequest) RequiresAuth() bool { return true }
func (r *ComputeSealRequest) AuthTag() []byte    { return r.Auth }
func (r *ComputeSealRequest) CanonicalBytes() ([]byte, error) {
	return canonicalTriple(r.FrameID, r.Level, r.DataDigest)
}

// VerifySealRequest verifies an existing seal for an already-registered frame.
type VerifySealRequest struct {
	FrameID    [16]byte
	Level      uint32
	DataDigest [32]byte
	Seal       [32]byte
	Auth       []byte
}

func (r *VerifySealRequest) Op() string         { return OpVerifySeal }
func (r *VerifySealRequest) RequiresAuth() bool { return true }
func (r *VerifySealRequest) AuthTag() []byte    { return r.Auth }
func (r *VerifySealRequest) CanonicalBytes() ([]byte, error) {
	return encMode.Marshal([]interface{}{r.FrameID[:], r.Level, r.DataDigest[:], r.Seal[:]})
}

// HealthCheckRequest carries no payload and requires no authentication.
type HealthCheckRequest struct{}

func (r *HealthCheckRequest) Op() string                        { return OpHealthCheck }
func (r *HealthCheckRequest) RequiresAuth() bool                 { return false }
func (r *HealthCheckRequest) AuthTag() []byte                    { return nil }
func (r *HealthCheckRequest) CanonicalBytes() ([]byte, error)    { return nil, nil }

func canonicalTriple(frameID [16]byte, level uint32, dataDigest [32]byte) ([]byte, error) {
	return encMode.Marshal([]interface{}{frameID[:], level, dataDigest[:]})
}

// Decode parses one CBOR-encoded request from data and returns its
// typed form.
func Decode(data []byte) (Request, error) {
	var w wireRequest
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("protocol: decode request: %w", err)
	}

	switch w.Op {
	case OpAuthorizeConstruct:
		req := &AuthorizeConstructRequest{Level: w.Level, Auth: w.Auth}
		if err := fixed16(w.FrameID, &req.FrameID); err != nil {
			return nil, fmt.Errorf("protocol: %s: frame_id: %w", w.Op, err)
		}
		if err := fixed32(w.DataDigest, &req.DataDigest); err != nil {
			return nil, fmt.Errorf("protocol: %s: data_digest: %w", w.Op, err)
		}
		return req, nil

	case OpRedeemGrant:
		req := &RedeemGrantRequest{Auth: w.Auth}
		if err := fixed16(w.GrantID, &req.GrantID); err != nil {
			return nil, fmt.Errorf("protocol: %s: grant_id: %w", w.Op, err)
		}
		return req, nil

	case OpConsumeConstructionTicket:
		req := &ConsumeConstructionTicketRequest{Auth: w.Auth}
		if err := fixed32(w.Ticket, &req.Ticket); err != nil {
			return nil, fmt.Errorf("protocol: %s: ticket: %w", w.Op, err)
		}
		return req, nil

	case OpComputeSeal:
		req := &ComputeSealRequest{Level: w.Level, Auth: w.Auth}
		if err := fixed16(w.FrameID, &req.FrameID); err != nil {
			return nil, fmt.Errorf("protocol: %s: frame_id: %w", w.Op, err)
		}
		if err := fixed32(w.DataDigest, &req.DataDigest); err != nil {
			return nil, fmt.Errorf("protocol: %s: data_digest: %w", w.Op, err)
		}
		return req, nil

	case OpVerifySeal:
		req := &VerifySealRequest{Level: w.Level, Auth: w.Auth}
		if err := fixed16(w.FrameID, &req.FrameID); err != nil {
			return nil, fmt.Errorf("protocol: %s: frame_id: %w", w.Op, err)
		}
		if err := fixed32(w.DataDigest, &req.DataDigest); err != nil {
			return nil, fmt.Errorf("protocol: %s: data_digest: %w", w.Op, err)
		}
		if err := fixed32(w.Seal, &req.Seal); err != nil {
			return nil, fmt.Errorf("protocol: %s: seal: %w", w.Op, err)
		}
		return req, nil

	case OpHealthCheck:
		return &HealthCheckRequest{}, nil

	default:
		return nil, fmt.Errorf("protocol: unknown op %q", w.Op)
	}
}

func fixed16(src []byte, dst *[16]byte) error {
	if len(src) != 16 {
		return fmt.Errorf("expected 16 bytes, got %d", len(src))
	}
	copy(dst[:], src)
	return nil
}

func fixed32(src []byte, dst *[32]byte) error {
	if len(src) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(src))
	}
	copy(dst[:], src)
	return nil
}

// ─── Responses ────────────────────────────────────────────────────────────

// AuthorizeConstructReply is returned on successful AuthorizeConstruct.
type AuthorizeConstructReply struct {
	GrantID   []byte  `cbor:"grant_id"`
	ExpiresAt float64 `cbor:"expires_at"`
}

// RedeemGrantReply is returned on successful RedeemGrant.
type RedeemGrantReply struct {
	ConstructionTicket []byte `cbor:"construction_ticket"`
	Seal               []byte `cbor:"seal"`
	AuditID            uint64 `cbor:"audit_id"`
}

// ConsumeTicketReply is returned by ConsumeConstructionTicket.
type ConsumeTicketReply struct {
	Consumed bool   `cbor:"consumed"`
	AuditID  uint64 `cbor:"audit_id"`
}

// ComputeSealReply is returned on successful ComputeSeal.
type ComputeSealReply struct {
	Seal    []byte `cbor:"seal"`
	AuditID uint64 `cbor:"audit_id"`
}

// VerifySealReply is returned by VerifySeal.
type VerifySealReply struct {
	Valid   bool   `cbor:"valid"`
	AuditID uint64 `cbor:"audit_id"`
}

// HealthCheckReply is the unauthenticated health probe response.
type HealthCheckReply struct {
	Status         string `cbor:"status"`
	UptimeSecs     uint64 `cbor:"uptime_secs"`
	RequestsServed uint64 `cbor:"requests_served"`
	AuthFailures   uint64 `cbor:"auth_failures"`
}

// ErrorReply is returned for any failure visible to the peer.
type ErrorReply struct {
	Error  string `cbor:"error"`
	Reason string `cbor:"reason"`
}

// Encode serializes any response value using the canonical encoder.
func Encode(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return b, nil
}

// DecodeInto unmarshals a CBOR-encoded reply into v. Used by clients
// of the protocol (the daemon's own handler decodes requests via
// Decode; callers on the other end of the socket decode replies via
// DecodeInto against the concrete *Reply types above).
func DecodeInto(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode reply: %w", err)
	}
	return nil
}
