// Package secrets holds the daemon's two static keys and computes the
// keyed MAC ("seal") that binds a frame's identity, level, and content
// digest to them.
//
// The construction token and seal key are generated once at process
// start and never leave this package's address space. Nothing outside
// secrets.Secrets ever sees the raw key bytes.
package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"
)

const (
	// TokenSize is the length in bytes of the construction token.
	TokenSize = 32
	// KeySize is the length in bytes of the seal key.
	KeySize = 32
	// SealSize is the length in bytes of a computed seal.
	SealSize = 32
)

// Secrets is the immutable pair of keys the daemon custodies on behalf
// of the orchestrator. Safe for concurrent use: all operations are pure
// functions of the held keys and their arguments.
type Secrets struct {
	constructionToken [TokenSize]byte
	sealKey           [KeySize]byte
}

// Generate draws fresh cryptographically random bytes for both keys.
// Failure of the CSPRNG is fatal to the caller.
func Generate() (*Secrets, error) {
	s := &Secrets{}
	if _, err := rand.Read(s.constructionToken[:]); err != nil {
		return nil, fmt.Errorf("secrets: generate construction token: %w", err)
	}
	if _, err := rand.Read(s.sealKey[:]); err != nil {
		return nil, fmt.Errorf("secrets: generate seal key: %w", err)
	}
	return s, nil
}

// sealMessage builds frame_id ‖ be32(level) ‖ data_digest, the fixed
// message layout that both sides of the wire agree on.
func sealMessage(frameID [16]byte, level uint32, dataDigest [32]byte) []byte {
	msg := make([]byte, 0, 16+4+32)
	msg = append(msg, frameID[:]...)
	var levelBE [4]byte
	binary.BigEndian.PutUint32(levelBE[:], level)
	msg = append(msg, levelBE[:]...)
	msg = append(msg, dataDigest[:]...)
	return msg
}

// ComputeSeal computes the keyed BLAKE2s-256 MAC over
// frame_id ‖ be32(level) ‖ data_digest.
func (s *Secrets) ComputeSeal(frameID [16]byte, level uint32, dataDigest [32]byte) ([SealSize]byte, error) {
	mac, err := blake2s.New256(s.sealKey[:])
	if err != nil {
		return [SealSize]byte{}, fmt.Errorf("secrets: new blake2s mac: %w", err)
	}
	mac.Write(sealMessage(frameID, level, dataDigest))
	var out [SealSize]byte
	copy(out[:], mac.Sum(nil))
	return out, nil
}

// VerifySeal recomputes the seal and compares it against candidate in
// constant time. A candidate of the wrong length is rejected without
// branching on its content.
func (s *Secrets) VerifySeal(frameID [16]byte, level uint32, dataDigest [32]byte, candidate []byte) bool {
	if len(candidate) != SealSize {
		return false
	}
	want, err := s.ComputeSeal(frameID, level, dataDigest)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want[:], candidate) == 1
}
