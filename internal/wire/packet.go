// Package wire implements the framed binary envelope for the core runtime's
// datagram+stream transport: encode/decode of the WirePacket envelope, the
// per-channel framing rules, and the stream chunk assembler.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// Channel identifies one of the five logical channels multiplexed over the
// transport. It is the first byte of every datagram and the third byte of
// every stream frame.
type Channel uint8

const (
	ChannelControl Channel = iota
	ChannelChat
	ChannelGameplayInput
	ChannelGameplayEvent
	ChannelEconomy
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "Control"
	case ChannelChat:
		return "Chat"
	case ChannelGameplayInput:
		return "GameplayInput"
	case ChannelGameplayEvent:
		return "GameplayEvent"
	case ChannelEconomy:
		return "Economy"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// IsDatagram reports whether this channel's transport category is the
// unreliable datagram (only GameplayInput); every other channel is a
// reliable stream.
func (c Channel) IsDatagram() bool { return c == ChannelGameplayInput }

// Valid reports whether c is one of the five defined channels.
func (c Channel) Valid() bool { return c <= ChannelEconomy }

// SessionID is the 128-bit session identifier carried in every envelope.
type SessionID [16]byte

// NewSessionID mints a random SessionID for a freshly accepted transport
// session, the same random-128-bit scheme the teacher uses for object ids
// elsewhere in the codebase, backed by google/uuid here instead of a
// hand-rolled RNG wrapper.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// Packet is the WirePacket envelope: version, routing, ordering, and a
// length-prefixed typed payload. Payload framing (datagram vs stream) is
// handled outside this struct by Encode*/Decode*.
type Packet struct {
	Version   uint16
	Channel   Channel
	SessionID SessionID
	Sequence  uint32
	Ack       uint32
	SentAtMs  uint64
	Payload   []byte
}

// Limits bounds payload size per transport category, configurable via
// internal/config.CoreRuntime (max_datagram_size, max_stream_payload_size).
type Limits struct {
	MaxDatagramSize      int
	MaxStreamPayloadSize int
}

// DefaultLimits mirrors config.DefaultCoreRuntime's wire defaults.
func DefaultLimits() Limits {
	return Limits{MaxDatagramSize: 1200, MaxStreamPayloadSize: 65536}
}
