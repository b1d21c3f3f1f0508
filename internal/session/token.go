// Package session holds live transport sessions: HMAC-verified auth tokens,
// the per-session state machine, and the manager enforcing account/character
// uniqueness and idle eviction.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const tokenSignatureSize = sha256.Size

// AuthToken is the capability issued by the HTTP login endpoint and
// rederived here from bytes on every Hello — never stored as-is. See
// spec §3 AuthToken.
type AuthToken struct {
	AccountID              int64
	HTTPSessionID          string
	ExpiresAtMs            int64
	AuthorizedCharacterIDs []int64
}

// SignToken serializes and HMAC-signs an AuthToken. The runtime itself
// never calls this — tokens are issued by the HTTP collaborator — but it
// shares the wire format and is used by tests and any standalone
// token-issuance tooling that needs to produce tokens compatible with
// VerifyToken.
func SignToken(secret []byte, t AuthToken) []byte {
	body := encodeTokenBody(t)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := mac.Sum(nil)
	return append(body, sig...)
}

// VerifyToken recomputes the HMAC over the token body with a constant-time
// comparison (hmac.Equal) and rejects tokens whose expires_at has passed.
// now is the caller-supplied current time in epoch milliseconds.
func VerifyToken(secret []byte, raw []byte, nowMs int64) (AuthToken, error) {
	if len(raw) < tokenSignatureSize {
		return AuthToken{}, fmt.Errorf("session: token too short")
	}

	sigOffset := len(raw) - tokenSignatureSize
	body, sig := raw[:sigOffset], raw[sigOffset:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)
	if !hmac.Equal(sig, want) {
		return AuthToken{}, fmt.Errorf("session: %w: signature mismatch", ErrInvalidToken)
	}

	t, err := decodeTokenBody(body)
	if err != nil {
		return AuthToken{}, fmt.Errorf("session: %w: %v", ErrInvalidToken, err)
	}

	if t.ExpiresAtMs <= nowMs {
		return AuthToken{}, fmt.Errorf("session: %w: expired at %d", ErrInvalidToken, t.ExpiresAtMs)
	}

	return t, nil
}

// encodeTokenBody lays out: account_id(8) + http_session_id(len-prefixed
// u16) + expires_at_ms(8) + authorized_character_ids(len-prefixed u16, each
// 8 bytes). All integers little-endian.
func encodeTokenBody(t AuthToken) []byte {
	size := 8 + 2 + len(t.HTTPSessionID) + 8 + 2 + 8*len(t.AuthorizedCharacterIDs)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(t.AccountID))
	off += 8

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(t.HTTPSessionID)))
	off += 2
	off += copy(buf[off:], t.HTTPSessionID)

	binary.LittleEndian.PutUint64(buf[off:], uint64(t.ExpiresAtMs))
	off += 8

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(t.AuthorizedCharacterIDs)))
	off += 2
	for _, id := range t.AuthorizedCharacterIDs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}

	return buf
}

func decodeTokenBody(buf []byte) (AuthToken, error) {
	if len(buf) < 8+2 {
		return AuthToken{}, fmt.Errorf("body too short for account_id/http_session_id header")
	}
	off := 0
	accountID := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	hsLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+hsLen+8+2 {
		return AuthToken{}, fmt.Errorf("body too short for http_session_id/expires_at/char count")
	}
	httpSessionID := string(buf[off : off+hsLen])
	off += hsLen

	expiresAt := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	charCount := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+8*charCount {
		return AuthToken{}, fmt.Errorf("body too short for %d character ids", charCount)
	}
	ids := make([]int64, charCount)
	for i := 0; i < charCount; i++ {
		ids[i] = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}

	return AuthToken{
		AccountID:              accountID,
		HTTPSessionID:          httpSessionID,
		ExpiresAtMs:            expiresAt,
		AuthorizedCharacterIDs: ids,
	}, nil
}

// IsAuthorizedFor reports whether characterID is in the token's authorized
// list.
func (t AuthToken) IsAuthorizedFor(characterID int64) bool {
	for _, id := range t.AuthorizedCharacterIDs {
		if id == characterID {
			return true
		}
	}
	return false
}
