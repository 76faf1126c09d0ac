package rudp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gamenet-io/gamenet-go/pkg/bitbuf"
)

// Flags is the control bitset carried by every datagram.
type Flags uint8

const (
	// FlagSYN opens a connection.
	FlagSYN Flags = 1 << iota
	// FlagACK marks the Ack field as valid.
	FlagACK
	// FlagRST resets the connection.
	FlagRST
	// FlagNUL is a keep-alive.
	FlagNUL
	// FlagHPN is a hole-punch probe.
	FlagHPN
	// FlagEAK carries an extended ack list.
	FlagEAK
	// FlagRLE marks a reliable segment with a sequence number.
	FlagRLE
	// FlagORD requests in-order delivery of a reliable segment.
	FlagORD
)

var flagNames = [...]string{"SYN", "ACK", "RST", "NUL", "HPN", "EAK", "RLE", "ORD"}

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// String renders the set flags as "SYN|ACK".
func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Wire sizes.
const (
	// BaseHeaderSize is flags(1) + src(4) + dst(4) + seq(4) + ack(4) +
	// headerLen(2) + bodyLen(2).
	BaseHeaderSize = 21

	// MaxDatagramSize keeps datagrams within a typical Ethernet MTU.
	MaxDatagramSize = 1472

	// MaxEAK bounds the extended ack list of one datagram.
	MaxEAK = 255

	// MaxBodySize is the largest payload a single datagram can carry with
	// no EAK list.
	MaxBodySize = MaxDatagramSize - BaseHeaderSize
)

// Header errors.
var (
	ErrShortHeader  = errors.New("rudp: short header")
	ErrBadLength    = errors.New("rudp: bad length")
	ErrTooManyEAK   = errors.New("rudp: too many extended acks")
	ErrBodyTooLarge = errors.New("rudp: body too large")
)

// Header is the fixed datagram header plus its optional EAK extension.
type Header struct {
	Flags Flags
	SrcID uint32
	DstID uint32
	Seq   uint32
	Ack   uint32

	// HeaderLen is the encoded header size including the EAK extension.
	// Marshal fills it in.
	HeaderLen uint16
	BodyLen   uint16

	EAK []uint32
}

// Size returns the encoded header size.
func (h *Header) Size() int {
	n := BaseHeaderSize
	if h.Flags.Has(FlagEAK) {
		n += 1 + 4*len(h.EAK)
	}
	return n
}

// Marshal encodes h followed by body into one datagram.
func (h *Header) Marshal(body []byte) ([]byte, error) {
	if len(h.EAK) > MaxEAK {
		return nil, fmt.Errorf("%w: %d", ErrTooManyEAK, len(h.EAK))
	}
	if len(h.EAK) > 0 {
		h.Flags |= FlagEAK
	} else {
		h.Flags &^= FlagEAK
	}
	size := h.Size()
	if size+len(body) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, len(body))
	}
	h.HeaderLen = uint16(size)
	h.BodyLen = uint16(len(body))

	b := bitbuf.New(size + len(body))
	b.WriteUint8(uint8(h.Flags))
	b.WriteUint32(h.SrcID)
	b.WriteUint32(h.DstID)
	b.WriteUint32(h.Seq)
	b.WriteUint32(h.Ack)
	b.WriteUint16(h.HeaderLen)
	b.WriteUint16(h.BodyLen)
	if h.Flags.Has(FlagEAK) {
		b.WriteUint8(uint8(len(h.EAK)))
		for _, seq := range h.EAK {
			b.WriteUint32(seq)
		}
	}
	b.WriteBytes(body)
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes a datagram and returns the header and body. The body
// aliases p.
func Unmarshal(p []byte) (Header, []byte, error) {
	var h Header
	if len(p) < BaseHeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(p))
	}

	b := bitbuf.FromBytes(p)
	h.Flags = Flags(b.ReadUint8())
	h.SrcID = b.ReadUint32()
	h.DstID = b.ReadUint32()
	h.Seq = b.ReadUint32()
	h.Ack = b.ReadUint32()
	h.HeaderLen = b.ReadUint16()
	h.BodyLen = b.ReadUint16()

	if h.Flags.Has(FlagEAK) {
		n := int(b.ReadUint8())
		if !b.IsValid() || len(p) < BaseHeaderSize+1+4*n {
			return h, nil, fmt.Errorf("%w: eak list", ErrShortHeader)
		}
		h.EAK = make([]uint32, n)
		for i := range h.EAK {
			h.EAK[i] = b.ReadUint32()
		}
	}
	if !b.IsValid() {
		return h, nil, fmt.Errorf("%w: %v", ErrShortHeader, b.Err())
	}

	hl, bl := int(h.HeaderLen), int(h.BodyLen)
	if hl != h.Size() || hl+bl != len(p) {
		return h, nil, fmt.Errorf("%w: header %d body %d datagram %d", ErrBadLength, hl, bl, len(p))
	}
	return h, p[hl:], nil
}
