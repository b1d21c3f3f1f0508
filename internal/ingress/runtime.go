package ingress

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/udisondev/la2go/internal/wire"
)

// HelloInfo is what the baseline Hello reply needs from the SessionManager:
// the authorized character list and server MOTD/heartbeat, assembled after
// token verification. The ProtocolRuntime never verifies tokens itself —
// that stays SessionManager's job — it only shapes the reply.
type HelloInfo struct {
	MOTD                   string
	HeartbeatIntervalMs    uint32
	AuthorizedCharacterIDs []int64
}

// HelloVerifier binds a raw Hello token to a HelloInfo, or rejects it. The
// concrete implementation lives in internal/session; this interface keeps
// internal/ingress from importing it (ingress is the lower layer).
type HelloVerifier interface {
	VerifyHello(sessionID wire.SessionID, tokenBytes []byte) (HelloInfo, error)
}

// Runtime bridges the wire codec and the gameplay dispatcher: it turns raw
// frames into Ingress values and answers Hello/KeepAlive/local-Chat without
// involving a MapServer.
type Runtime struct {
	codec    *wire.Codec
	verifier HelloVerifier

	mu         sync.Mutex
	assemblers map[wire.SessionID]*wire.StreamAssembler
}

// New creates a Runtime over codec, using verifier to answer Hello.
func New(codec *wire.Codec, verifier HelloVerifier) *Runtime {
	return &Runtime{
		codec:      codec,
		verifier:   verifier,
		assemblers: make(map[wire.SessionID]*wire.StreamAssembler),
	}
}

// toIngress converts a decoded wire.Packet into an Ingress, rejecting
// payloads with an empty body (every payload carries at least a 1-byte
// Kind discriminator).
func toIngress(p *wire.Packet) (*Ingress, error) {
	if len(p.Payload) < 1 {
		return nil, fmt.Errorf("ingress: empty payload on channel %s", p.Channel)
	}
	kind := Kind(p.Payload[0])
	if channelOf(kind) != p.Channel {
		return nil, fmt.Errorf("ingress: %s arrived on channel %s, want %s", kind, p.Channel, channelOf(kind))
	}
	return &Ingress{
		SessionID: p.SessionID,
		Channel:   p.Channel,
		Kind:      kind,
		Sequence:  p.Sequence,
		Ack:       p.Ack,
		SentAtMs:  p.SentAtMs,
		Body:      p.Payload[1:],
	}, nil
}

// DecodeDatagram implements decode_datagram(bytes) → Ingress | Drop. A
// non-nil error means Drop: the caller counts it as a metric and discards
// the datagram silently, per the codec-level error propagation policy.
func (r *Runtime) DecodeDatagram(raw []byte) (*Ingress, error) {
	p, err := r.codec.DecodeDatagram(raw)
	if err != nil {
		return nil, err
	}
	return toIngress(p)
}

// DecodeStreamChunk implements decode_stream_chunk(session, bytes) →
// iterator<Ingress>, maintaining one partial-frame buffer per session. A
// framing error here means the stream itself must be reset by the caller;
// ResetStream then discards the dangling partial buffer.
func (r *Runtime) DecodeStreamChunk(sessionID wire.SessionID, chunk []byte) ([]*Ingress, error) {
	asm := r.assemblerFor(sessionID)

	packets, err := asm.Feed(chunk)
	out := make([]*Ingress, 0, len(packets))
	for _, p := range packets {
		ing, convErr := toIngress(p)
		if convErr != nil {
			slog.Warn("ingress: dropping malformed stream packet", "session", sessionID, "error", convErr)
			continue
		}
		out = append(out, ing)
	}
	return out, err
}

// ResetStream discards the partial-frame buffer for a session, e.g. after a
// framing error or on session close.
func (r *Runtime) ResetStream(sessionID wire.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assemblers, sessionID)
}

func (r *Runtime) assemblerFor(sessionID wire.SessionID) *wire.StreamAssembler {
	r.mu.Lock()
	defer r.mu.Unlock()
	asm, ok := r.assemblers[sessionID]
	if !ok {
		asm = wire.NewStreamAssembler(r.codec)
		r.assemblers[sessionID] = asm
	}
	return asm
}

// Baseline answers the payloads that never reach the MapServer/CoreRuntime
// dispatcher: Hello, KeepAlive, and local Chat. It reports handled=false
// for every other Kind, meaning the caller should forward ing to
// CoreRuntime's dispatcher.
func (r *Runtime) Baseline(ing *Ingress) (reply *wire.Packet, handled bool, err error) {
	switch ing.Kind {
	case KindHello:
		info, verr := r.verifier.VerifyHello(ing.SessionID, ing.Body)
		if verr != nil {
			return nil, true, verr
		}
		return r.buildHelloAck(ing, info), true, nil

	case KindKeepAlive:
		return r.buildPong(ing), true, nil

	case KindChat:
		body, ok := DecodeChatBody(ing.Body)
		if !ok || body.Scope != ChatLocal {
			return nil, false, nil // non-local chat is forwarded, not answered here
		}
		return r.buildChatEcho(ing, body), true, nil

	default:
		return nil, false, nil
	}
}

func (r *Runtime) buildHelloAck(ing *Ingress, info HelloInfo) *wire.Packet {
	body := make([]byte, 0, 13+8*len(info.AuthorizedCharacterIDs)+len(info.MOTD))
	var hb [4]byte
	putUint32(hb[:], info.HeartbeatIntervalMs)
	body = append(body, hb[:]...)

	var cb [4]byte
	putUint32(cb[:], uint32(len(info.AuthorizedCharacterIDs)))
	body = append(body, cb[:]...)
	for _, id := range info.AuthorizedCharacterIDs {
		var idb [8]byte
		putUint64(idb[:], uint64(id))
		body = append(body, idb[:]...)
	}
	body = append(body, []byte(info.MOTD)...)

	return r.reply(ing, KindHelloAck, body)
}

func (r *Runtime) buildPong(ing *Ingress) *wire.Packet {
	return r.reply(ing, KindPong, nil)
}

func (r *Runtime) buildChatEcho(ing *Ingress, body ChatBody) *wire.Packet {
	return r.reply(ing, KindChat, EncodeChatBody(body))
}

func (r *Runtime) reply(ing *Ingress, kind Kind, payload []byte) *wire.Packet {
	full := make([]byte, 1+len(payload))
	full[0] = byte(kind)
	copy(full[1:], payload)

	return &wire.Packet{
		Channel:   channelOf(kind),
		SessionID: ing.SessionID,
		Ack:       ing.Sequence,
		Payload:   full,
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
