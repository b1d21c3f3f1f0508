package wire

import (
	"encoding/binary"
	"fmt"
)

// StreamAssembler reassembles stream frames arriving as arbitrary TCP/QUIC
// stream chunks into complete Packets. One assembler belongs to exactly one
// session's stream; it is not safe for concurrent use.
type StreamAssembler struct {
	codec *Codec
	buf   []byte
}

// NewStreamAssembler creates an assembler bound to codec for reassembling
// one session's stream.
func NewStreamAssembler(codec *Codec) *StreamAssembler {
	return &StreamAssembler{codec: codec}
}

// Feed appends chunk to the partial buffer and returns every Packet that
// completed as a result. Remaining partial bytes stay buffered for the next
// call. A malformed-framing error here is unrecoverable for this stream —
// the caller should reset it.
func (a *StreamAssembler) Feed(chunk []byte) ([]*Packet, error) {
	a.buf = append(a.buf, chunk...)

	var out []*Packet
	for {
		p, consumed, err := a.tryParseOne()
		if err != nil {
			return out, err
		}
		if p == nil {
			break
		}
		out = append(out, p)
		a.buf = a.buf[consumed:]
	}
	return out, nil
}

// tryParseOne attempts to parse one complete frame from the front of the
// buffer. It returns (nil, 0, nil) when more bytes are needed.
func (a *StreamAssembler) tryParseOne() (*Packet, int, error) {
	const headerLen = 2 + 1 + 4 // magic + channel + length

	if len(a.buf) < headerLen {
		return nil, 0, nil
	}

	if a.buf[0] != streamMagic[0] || a.buf[1] != streamMagic[1] {
		return nil, 0, fmt.Errorf("%w: bad stream magic", ErrMalformedFraming)
	}

	ch := Channel(a.buf[2])
	if !ch.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown channel %d", ErrMalformedFraming, a.buf[2])
	}
	if ch.IsDatagram() {
		return nil, 0, fmt.Errorf("%w: channel %s arrived on stream transport", ErrChannelMismatch, ch)
	}

	bodyLen := int(binary.LittleEndian.Uint32(a.buf[3:7]))
	if bodyLen > a.codec.limits.MaxStreamPayloadSize {
		return nil, 0, fmt.Errorf("%w: %d bytes exceeds stream cap %d", ErrOversizePayload, bodyLen, a.codec.limits.MaxStreamPayloadSize)
	}

	total := headerLen + bodyLen
	if len(a.buf) < total {
		return nil, 0, nil // wait for more bytes
	}

	p, err := a.codec.decodeBody(a.buf[headerLen:total])
	if err != nil {
		return nil, 0, err
	}
	p.Channel = ch
	return &p, total, nil
}

// Reset discards any buffered partial frame, e.g. after the stream was
// reset following a framing error.
func (a *StreamAssembler) Reset() { a.buf = nil }
