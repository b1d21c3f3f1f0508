package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/udisondev/la2go/internal/crypto"
)

const cipherBlockSize = 8

// SessionCipher encrypts and decrypts a Packet's payload bytes with a
// per-session Blowfish key, the same cipher internal/crypto already wraps
// for the legacy client protocol's ECB mode. It operates on Packet.Payload
// before EncodeDatagram/after DecodeDatagram — the envelope header itself
// (version, session_id, sequence, ack, sent_at_ms) stays in the clear so
// the codec and assembler can frame and route without decrypting first.
type SessionCipher struct {
	cipher *crypto.BlowfishCipher
}

// DeriveSessionKey derives a 16-byte Blowfish key for sessionID from a
// shared server secret via HMAC-SHA256. Sixteen bytes keeps the key well
// inside Blowfish's 1-56 byte range while still depending on the full
// HMAC output, not a truncated hash collision-prone prefix.
func DeriveSessionKey(secret []byte, sessionID SessionID) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(sessionID[:])
	return mac.Sum(nil)[:16]
}

// NewSessionCipher builds a SessionCipher keyed for sessionID.
func NewSessionCipher(secret []byte, sessionID SessionID) (*SessionCipher, error) {
	c, err := crypto.NewBlowfishCipher(DeriveSessionKey(secret, sessionID))
	if err != nil {
		return nil, fmt.Errorf("wire: deriving session cipher: %w", err)
	}
	return &SessionCipher{cipher: c}, nil
}

// Seal pads plaintext to a Blowfish block boundary (prefixed by its true
// length as a u16) and encrypts it. The result is always a multiple of 8
// bytes, as ECB mode requires.
func (s *SessionCipher) Seal(plaintext []byte) ([]byte, error) {
	total := 2 + len(plaintext)
	padded := total
	if rem := padded % cipherBlockSize; rem != 0 {
		padded += cipherBlockSize - rem
	}
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint16(buf, uint16(len(plaintext)))
	copy(buf[2:], plaintext)

	if err := s.cipher.Encrypt(buf, 0, len(buf)); err != nil {
		return nil, fmt.Errorf("wire: sealing payload: %w", err)
	}
	return buf, nil
}

// Open decrypts sealed and strips the length-prefix padding added by Seal.
func (s *SessionCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 || len(sealed)%cipherBlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block-aligned", ErrMalformedFraming)
	}
	buf := append([]byte(nil), sealed...)
	if err := s.cipher.Decrypt(buf, 0, len(buf)); err != nil {
		return nil, fmt.Errorf("wire: opening payload: %w", err)
	}
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedFraming)
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if 2+n > len(buf) {
		return nil, fmt.Errorf("%w: length prefix exceeds buffer", ErrMalformedFraming)
	}
	return buf[2 : 2+n], nil
}
