// Package ingress normalizes raw wire frames into typed gameplay packets
// and answers the handful of baseline control replies that never need to
// reach a MapServer.
package ingress

import (
	"github.com/udisondev/la2go/internal/wire"
)

// Kind identifies the application-level meaning of a Packet's payload. It
// is encoded as the first byte of Packet.Payload; the remaining bytes are
// the kind-specific body.
type Kind uint8

const (
	KindHello Kind = iota
	KindHelloAck
	KindKeepAlive
	KindPong
	KindChat
	KindSelectCharacter
	KindMapTransfer
	KindMapTransferAck
	KindEnterMap
	KindMove
	KindStateDelta
	KindServerError
	KindLogout
	KindTradeConfirm
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindHelloAck:
		return "HelloAck"
	case KindKeepAlive:
		return "KeepAlive"
	case KindPong:
		return "Pong"
	case KindChat:
		return "Chat"
	case KindSelectCharacter:
		return "SelectCharacter"
	case KindMapTransfer:
		return "MapTransfer"
	case KindMapTransferAck:
		return "MapTransferAck"
	case KindEnterMap:
		return "EnterMap"
	case KindMove:
		return "Move"
	case KindStateDelta:
		return "StateDelta"
	case KindServerError:
		return "ServerError"
	case KindLogout:
		return "Logout"
	case KindTradeConfirm:
		return "TradeConfirm"
	default:
		return "Unknown"
	}
}

// channelOf returns the channel a Kind is expected to arrive on. Used by
// CoreRuntime/tests to verify channel_of(payload_kind) == channel_id, per
// the codec's testable invariant.
func channelOf(k Kind) wire.Channel {
	switch k {
	case KindMove:
		return wire.ChannelGameplayInput
	case KindChat:
		return wire.ChannelChat
	case KindHello, KindHelloAck, KindKeepAlive, KindPong, KindSelectCharacter,
		KindMapTransfer, KindMapTransferAck, KindEnterMap, KindLogout, KindServerError:
		return wire.ChannelControl
	case KindStateDelta:
		return wire.ChannelGameplayEvent
	case KindTradeConfirm:
		return wire.ChannelEconomy
	default:
		return wire.ChannelControl
	}
}

// ChatScope distinguishes a Local chat message (handled entirely by the
// ProtocolRuntime/MapServer) from scopes forwarded to the MessageHub.
type ChatScope uint8

const (
	ChatLocal ChatScope = iota
	ChatParty
	ChatGuild
	ChatGlobal
	ChatWhisper
)

// Ingress is the single typed envelope every downstream component
// (SessionManager, WorldDirectory, MapServer) consumes instead of raw
// bytes.
type Ingress struct {
	SessionID wire.SessionID
	Channel   wire.Channel
	Kind      Kind
	Sequence  uint32
	Ack       uint32
	SentAtMs  uint64
	Body      []byte
}

// Body layout helpers. The wire format is compact-binary, not
// self-describing, so each Kind has a fixed encoding understood by both
// ends; these are the minimal accessors the baseline replies need.

// ChatBody is the decoded body of a KindChat payload.
type ChatBody struct {
	Scope   ChatScope
	Target  int64 // party_id/guild_id/recipient_character_id; 0 for Local/Global
	Message string
}

// DecodeChatBody parses a Chat payload body: scope(1B) + target(8B LE) +
// message (remaining UTF-8 bytes).
func DecodeChatBody(body []byte) (ChatBody, bool) {
	if len(body) < 9 {
		return ChatBody{}, false
	}
	scope := ChatScope(body[0])
	target := int64(beUint64(body[1:9]))
	return ChatBody{Scope: scope, Target: target, Message: string(body[9:])}, true
}

// EncodeChatBody is the inverse of DecodeChatBody.
func EncodeChatBody(b ChatBody) []byte {
	out := make([]byte, 9+len(b.Message))
	out[0] = byte(b.Scope)
	putUint64(out[1:9], uint64(b.Target))
	copy(out[9:], b.Message)
	return out
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
