package directory

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/la2go/internal/wire"
)

// ErrInvalidToken covers every RouteToken verification failure: bad
// signature, expired, or session/character mismatch.
var ErrInvalidToken = errors.New("directory: invalid route token")

// RouteToken is a signed, single-use capability granting a Session
// permission to attach to a specific MapInstance. See spec §3 RouteToken.
type RouteToken struct {
	TransferID  uuid.UUID
	SessionID   wire.SessionID
	CharacterID int64
	Target      Route
	ExpiresAtMs int64
}

const routeTokenSigSize = sha256.Size

// sign serializes and HMAC-signs a RouteToken.
func sign(secret []byte, t RouteToken) []byte {
	body := encodeRouteToken(t)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return append(body, mac.Sum(nil)...)
}

// verifyRouteToken checks signature and expiry; it does not check
// single-use consumption, which is the Directory's bookkeeping concern.
func verifyRouteToken(secret []byte, raw []byte, nowMs int64) (RouteToken, error) {
	if len(raw) < routeTokenSigSize {
		return RouteToken{}, fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	off := len(raw) - routeTokenSigSize
	body, sig := raw[:off], raw[off:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return RouteToken{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	t, err := decodeRouteToken(body)
	if err != nil {
		return RouteToken{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if t.ExpiresAtMs <= nowMs {
		return RouteToken{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return t, nil
}

func encodeRouteToken(t RouteToken) []byte {
	worldB, entryB, kindB := []byte(t.Target.World), []byte(t.Target.Entry), []byte(t.Target.MapKind)
	size := 16 + 16 + 8 + 2 + len(worldB) + 2 + len(entryB) + 2 + len(kindB) + 8 + 8
	buf := make([]byte, size)
	off := 0

	copy(buf[off:], t.TransferID[:])
	off += 16
	copy(buf[off:], t.SessionID[:])
	off += 16
	binary.LittleEndian.PutUint64(buf[off:], uint64(t.CharacterID))
	off += 8

	off += putLenPrefixed(buf[off:], worldB)
	off += putLenPrefixed(buf[off:], entryB)
	off += putLenPrefixed(buf[off:], kindB)

	binary.LittleEndian.PutUint64(buf[off:], uint64(t.Target.InstanceID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(t.ExpiresAtMs))
	off += 8

	return buf[:off]
}

func putLenPrefixed(buf []byte, s []byte) int {
	binary.LittleEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	return 2 + len(s)
}

func decodeRouteToken(buf []byte) (RouteToken, error) {
	if len(buf) < 16+16+8 {
		return RouteToken{}, fmt.Errorf("body too short")
	}
	off := 0
	var transferID uuid.UUID
	copy(transferID[:], buf[off:off+16])
	off += 16

	var sessID wire.SessionID
	copy(sessID[:], buf[off:off+16])
	off += 16

	charID := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	world, n, err := readLenPrefixed(buf[off:])
	if err != nil {
		return RouteToken{}, err
	}
	off += n

	entry, n, err := readLenPrefixed(buf[off:])
	if err != nil {
		return RouteToken{}, err
	}
	off += n

	kind, n, err := readLenPrefixed(buf[off:])
	if err != nil {
		return RouteToken{}, err
	}
	off += n

	if len(buf) < off+16 {
		return RouteToken{}, fmt.Errorf("body too short for instance id/expiry")
	}
	instanceID := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	expiresAt := int64(binary.LittleEndian.Uint64(buf[off:]))

	return RouteToken{
		TransferID:  transferID,
		SessionID:   sessID,
		CharacterID: charID,
		Target:      Route{World: world, Entry: entry, MapKind: MapKind(kind), InstanceID: instanceID},
		ExpiresAtMs: expiresAt,
	}, nil
}

func readLenPrefixed(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", 0, fmt.Errorf("truncated string body")
	}
	return string(buf[2 : 2+n]), 2 + n, nil
}

func newTransferID() uuid.UUID { return uuid.New() }

func nowMs() int64 { return time.Now().UnixMilli() }
