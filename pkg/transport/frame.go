package transport

import (
	"errors"
	"fmt"

	"github.com/gamenet-io/gamenet-go/pkg/bitbuf"
)

// Framing constants.
const (
	// HeaderSize is the frame header size: u16 length + u8 control.
	HeaderSize = 3

	// MaxPayloadSize is the largest payload the 16-bit length can carry.
	MaxPayloadSize = 1<<16 - 1

	// ChallengeSize is the size of the handshake challenge.
	ChallengeSize = 256

	// HandshakeSize is the handshake record size: level + challenge.
	HandshakeSize = 1 + ChallengeSize
)

// Frame control codes.
const (
	FrameHandshake byte = 0x01
	FrameMessage   byte = 0x02
	FramePing      byte = 0x03
	FramePong      byte = 0x04
	FrameClose     byte = 0x05
)

// ControlName returns a readable name for a control code.
func ControlName(control byte) string {
	switch control {
	case FrameHandshake:
		return "HANDSHAKE"
	case FrameMessage:
		return "MESSAGE"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("0x%02x", control)
	}
}

// Framing errors.
var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrBadHandshake  = errors.New("malformed handshake record")
)

// Frame is one decoded frame. Payload is still encrypted when the channel
// uses a security level above zero.
type Frame struct {
	Control byte
	Payload []byte
}

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst []byte, control byte, payload []byte) []byte {
	b := bitbuf.New(HeaderSize)
	b.WriteUint16(uint16(len(payload)))
	b.WriteUint8(control)
	dst = append(dst, b.Bytes()...)
	return append(dst, payload...)
}

// FrameDecoder accumulates stream bytes and extracts complete frames.
// It is not safe for concurrent use.
type FrameDecoder struct {
	buf []byte
	off int
	max int
}

// NewFrameDecoder creates a decoder rejecting payloads larger than maxPayload.
func NewFrameDecoder(maxPayload int) *FrameDecoder {
	if maxPayload <= 0 || maxPayload > MaxPayloadSize {
		maxPayload = MaxPayloadSize
	}
	return &FrameDecoder{max: maxPayload}
}

// Feed appends received bytes.
func (d *FrameDecoder) Feed(p []byte) {
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next extracts the next complete frame. ok is false when more bytes are
// needed; the partial frame stays buffered.
func (d *FrameDecoder) Next() (f Frame, ok bool, err error) {
	pending := d.buf[d.off:]
	if len(pending) < HeaderSize {
		return Frame{}, false, nil
	}

	hdr := bitbuf.FromBytes(pending[:HeaderSize])
	length := int(hdr.ReadUint16())
	control := hdr.ReadUint8()

	if length > d.max {
		return Frame{}, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.max)
	}
	if len(pending) < HeaderSize+length {
		return Frame{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, pending[HeaderSize:HeaderSize+length])
	d.off += HeaderSize + length
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return Frame{Control: control, Payload: payload}, true, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.off
}

// Handshake is the cleartext record the accepting side sends first.
type Handshake struct {
	SecurityLevel uint8
	Challenge     [ChallengeSize]byte
}

// MarshalBinary encodes the record.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	b := bitbuf.New(HandshakeSize)
	b.WriteUint8(h.SecurityLevel)
	b.WriteBytes(h.Challenge[:])
	return b.Bytes(), nil
}

// UnmarshalBinary decodes the record.
func (h *Handshake) UnmarshalBinary(data []byte) error {
	if len(data) != HandshakeSize {
		return fmt.Errorf("%w: %d bytes", ErrBadHandshake, len(data))
	}
	b := bitbuf.FromBytes(data)
	h.SecurityLevel = b.ReadUint8()
	copy(h.Challenge[:], b.ReadBytes(ChallengeSize))
	if !b.IsValid() {
		return fmt.Errorf("%w: %w", ErrBadHandshake, b.Err())
	}
	return nil
}
