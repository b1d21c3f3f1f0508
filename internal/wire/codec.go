package wire

import (
	"encoding/binary"
	"fmt"
)

// streamMagic is the two-byte marker identifying a stream frame boundary.
var streamMagic = [2]byte{'M', 'U'}

// bodyHeaderSize is the fixed-size prefix of an encoded Packet body, before
// the variable-length payload: version(2) + sessionID(16) + sequence(4) +
// ack(4) + sentAtMs(8) + payloadLen(4).
const bodyHeaderSize = 2 + 16 + 4 + 4 + 8 + 4

// Codec encodes and decodes WirePacket envelopes for both transport
// categories, enforcing the version/channel/size guarantees of the wire
// contract. It holds no per-connection state; use a StreamAssembler per
// session for stream chunk reassembly.
type Codec struct {
	version uint16
	limits  Limits
}

// NewCodec creates a Codec bound to the given protocol version and size
// limits (normally sourced from config.CoreRuntime).
func NewCodec(version uint16, limits Limits) *Codec {
	return &Codec{version: version, limits: limits}
}

// encodeBody serializes the envelope fields and payload, independent of
// framing. p.Version is forced to the codec's configured version.
func (c *Codec) encodeBody(p *Packet) []byte {
	buf := make([]byte, bodyHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], c.version)
	copy(buf[2:18], p.SessionID[:])
	binary.LittleEndian.PutUint32(buf[18:22], p.Sequence)
	binary.LittleEndian.PutUint32(buf[22:26], p.Ack)
	binary.LittleEndian.PutUint64(buf[26:34], p.SentAtMs)
	binary.LittleEndian.PutUint32(buf[34:38], uint32(len(p.Payload)))
	copy(buf[38:], p.Payload)
	return buf
}

// decodeBody parses a serialized envelope body (without the leading channel
// byte / stream framing) into a Packet missing only its Channel field.
func (c *Codec) decodeBody(data []byte) (Packet, error) {
	if len(data) < bodyHeaderSize {
		return Packet{}, fmt.Errorf("%w: body shorter than header (%d < %d)", ErrMalformedFraming, len(data), bodyHeaderSize)
	}

	version := binary.LittleEndian.Uint16(data[0:2])
	if version != c.version {
		return Packet{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, c.version)
	}

	var sid SessionID
	copy(sid[:], data[2:18])
	seq := binary.LittleEndian.Uint32(data[18:22])
	ack := binary.LittleEndian.Uint32(data[22:26])
	sentAt := binary.LittleEndian.Uint64(data[26:34])
	payloadLen := binary.LittleEndian.Uint32(data[34:38])

	rest := data[38:]
	if int(payloadLen) != len(rest) {
		return Packet{}, fmt.Errorf("%w: declared payload length %d, remaining %d", ErrMalformedFraming, payloadLen, len(rest))
	}

	payload := make([]byte, payloadLen)
	copy(payload, rest)

	return Packet{
		Version:   version,
		SessionID: sid,
		Sequence:  seq,
		Ack:       ack,
		SentAtMs:  sentAt,
		Payload:   payload,
	}, nil
}

// EncodeDatagram frames p for the unreliable datagram transport: the first
// byte is the channel id, followed by the serialized body. Only
// ChannelGameplayInput is valid on this path.
func (c *Codec) EncodeDatagram(p *Packet) ([]byte, error) {
	if !p.Channel.IsDatagram() {
		return nil, fmt.Errorf("%w: channel %s is not a datagram channel", ErrChannelMismatch, p.Channel)
	}

	body := c.encodeBody(p)
	out := make([]byte, 1+len(body))
	out[0] = byte(p.Channel)
	copy(out[1:], body)

	if len(out) > c.limits.MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram cap %d", ErrOversizePayload, len(out), c.limits.MaxDatagramSize)
	}
	return out, nil
}

// DecodeDatagram parses a raw datagram into a Packet, validating channel
// category, version, and size cap.
func (c *Codec) DecodeDatagram(data []byte) (*Packet, error) {
	if len(data) > c.limits.MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram cap %d", ErrOversizePayload, len(data), c.limits.MaxDatagramSize)
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedFraming)
	}

	ch := Channel(data[0])
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %d", ErrMalformedFraming, data[0])
	}
	if !ch.IsDatagram() {
		return nil, fmt.Errorf("%w: channel %s arrived on datagram transport", ErrChannelMismatch, ch)
	}

	p, err := c.decodeBody(data[1:])
	if err != nil {
		return nil, err
	}
	p.Channel = ch
	return &p, nil
}

// EncodeStreamFrame frames p for a reliable stream channel: magic "MU",
// channel id, little-endian length prefix, then the serialized body. Every
// channel except ChannelGameplayInput is valid on this path.
func (c *Codec) EncodeStreamFrame(p *Packet) ([]byte, error) {
	if p.Channel.IsDatagram() {
		return nil, fmt.Errorf("%w: channel %s is datagram-only", ErrChannelMismatch, p.Channel)
	}

	body := c.encodeBody(p)
	if len(body) > c.limits.MaxStreamPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds stream cap %d", ErrOversizePayload, len(body), c.limits.MaxStreamPayloadSize)
	}

	out := make([]byte, 2+1+4+len(body))
	out[0], out[1] = streamMagic[0], streamMagic[1]
	out[2] = byte(p.Channel)
	binary.LittleEndian.PutUint32(out[3:7], uint32(len(body)))
	copy(out[7:], body)
	return out, nil
}
