package wire

import "errors"

// Codec-level error kinds. These are distinct from the server-visible
// ServerError taxonomy in internal/core/errors.go: a codec error means the
// frame never became a Packet at all, so it is counted as a metric and
// dropped (datagram) or the stream reset (stream), never replied to.
var (
	// ErrVersionMismatch is returned when Packet.Version does not equal the
	// configured protocol version exactly.
	ErrVersionMismatch = errors.New("wire: version mismatch")

	// ErrChannelMismatch is returned when a decoded payload's channel
	// disagrees with its transport category (e.g. GameplayInput on a
	// stream frame, or a stream-only channel on a datagram).
	ErrChannelMismatch = errors.New("wire: channel mismatch")

	// ErrOversizePayload is returned when payload length exceeds the
	// per-channel cap.
	ErrOversizePayload = errors.New("wire: oversize payload")

	// ErrMalformedFraming is returned when the frame is too short, the
	// stream magic doesn't match, or the length prefix disagrees with the
	// remaining bytes.
	ErrMalformedFraming = errors.New("wire: malformed framing")
)
