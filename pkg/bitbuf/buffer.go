package bitbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Buffer constants.
const (
	// GrowPadBits is added to every resize so that a run of small writes
	// does not reallocate on each call.
	GrowPadBits = 256

	// LengthPrefixBits is the width of the prefix written by
	// WriteBytesWithLengthPrefix.
	LengthPrefixBits = 10

	// MaxPrefixedBytes is the largest payload WriteBytesWithLengthPrefix accepts.
	MaxPrefixedBytes = 1<<LengthPrefixBits - 1

	// StringPrefixBits is the width of the bit-count prefix written by WriteString.
	StringPrefixBits = 16

	// MaxStringBytes is the longest string WriteString accepts.
	MaxStringBytes = (1<<StringPrefixBits - 1) / 8
)

// Buffer errors.
var (
	// ErrReadOverflow indicates a read past the written region.
	ErrReadOverflow = errors.New("bitbuf: read past end of buffer")

	// ErrTooLong indicates a length-prefixed value exceeds its prefix range.
	ErrTooLong = errors.New("bitbuf: value too long for length prefix")

	// ErrBitWidth indicates an integer width outside 1..32.
	ErrBitWidth = errors.New("bitbuf: bit width out of range")
)

// Buffer is a growable byte buffer with independent bit cursors.
//
// The readable region always ends at the write cursor, so a buffer built with
// New can be read back after writing and a buffer built with FromBytes is
// fully readable.
type Buffer struct {
	data     []byte
	writeBit int
	readBit  int
	err      error
}

// New creates an empty buffer with room for capacity bytes.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// FromBytes creates a buffer whose readable region is p.
// The buffer takes ownership of p.
func FromBytes(p []byte) *Buffer {
	return &Buffer{data: p, writeBit: len(p) * 8}
}

// Reset rewinds both cursors and clears the error flag.
// Capacity is retained.
func (b *Buffer) Reset() {
	b.writeBit = 0
	b.readBit = 0
	b.err = nil
}

// Bytes returns the written bytes. A trailing partial byte is included.
// The slice aliases the buffer until the next write.
func (b *Buffer) Bytes() []byte {
	return b.data[:(b.writeBit+7)/8]
}

// BitLen returns the number of bits written.
func (b *Buffer) BitLen() int { return b.writeBit }

// ByteLen returns the number of bytes needed to hold the written bits.
func (b *Buffer) ByteLen() int { return (b.writeBit + 7) / 8 }

// ReadBitPos returns the read cursor position in bits.
func (b *Buffer) ReadBitPos() int { return b.readBit }

// BytePos returns the read cursor rounded up to whole bytes.
func (b *Buffer) BytePos() int { return (b.readBit + 7) / 8 }

// SetReadBitPos moves the read cursor. Positions past the written region set
// the error flag.
func (b *Buffer) SetReadBitPos(pos int) {
	if pos < 0 || pos > b.writeBit {
		b.fail(ErrReadOverflow)
		return
	}
	b.readBit = pos
}

// RemainingBits returns the number of unread bits.
func (b *Buffer) RemainingBits() int { return b.writeBit - b.readBit }

// Capacity returns the writable capacity in bits before the next grow.
func (b *Buffer) Capacity() int { return len(b.data) * 8 }

// IsValid reports whether every operation so far succeeded.
func (b *Buffer) IsValid() bool { return b.err == nil }

// Err returns the first error recorded, or nil.
func (b *Buffer) Err() error { return b.err }

func (b *Buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// grow makes room for n more bits at the write cursor.
func (b *Buffer) grow(n int) {
	need := b.writeBit + n
	if need <= len(b.data)*8 {
		return
	}
	size := max(2*len(b.data), (need+GrowPadBits+7)/8)
	data := make([]byte, size)
	copy(data, b.data[:b.ByteLen()])
	b.data = data
}

// WriteBits appends the low n bits of src, taken least-significant bit first
// from src[0] onward.
func (b *Buffer) WriteBits(n int, src []byte) {
	if n <= 0 {
		return
	}
	b.grow(n)

	if b.writeBit&7 == 0 && n&7 == 0 {
		copy(b.data[b.writeBit>>3:], src[:n>>3])
		b.writeBit += n
		return
	}

	for i := 0; n > 0; i++ {
		bits := min(8, n)
		b.writeByteBits(src[i], bits)
		n -= bits
	}
}

// writeByteBits writes the low bits of v at the write cursor. Capacity must
// already be ensured.
func (b *Buffer) writeByteBits(v byte, bits int) {
	v &= byte(1<<uint(bits) - 1)
	pos := b.writeBit >> 3
	shift := uint(b.writeBit & 7)

	b.data[pos] = b.data[pos]&byte(1<<shift-1) | v<<shift
	if shift+uint(bits) > 8 {
		b.data[pos+1] = v >> (8 - shift)
	}
	b.writeBit += bits
}

// ReadBits reads n bits into dst, least-significant bit first. dst must hold
// at least (n+7)/8 bytes. On overflow dst is zeroed and the error flag set.
func (b *Buffer) ReadBits(n int, dst []byte) {
	if n <= 0 {
		return
	}
	size := (n + 7) / 8
	if b.err != nil || b.readBit+n > b.writeBit {
		b.fail(ErrReadOverflow)
		clear(dst[:size])
		return
	}

	if b.readBit&7 == 0 && n&7 == 0 {
		copy(dst, b.data[b.readBit>>3:(b.readBit+n)>>3])
		b.readBit += n
		return
	}

	for i := 0; n > 0; i++ {
		bits := min(8, n)
		dst[i] = b.readByteBits(bits)
		n -= bits
	}
}

func (b *Buffer) readByteBits(bits int) byte {
	pos := b.readBit >> 3
	shift := uint(b.readBit & 7)

	v := b.data[pos] >> shift
	if shift+uint(bits) > 8 {
		v |= b.data[pos+1] << (8 - shift)
	}
	b.readBit += bits
	return v & byte(1<<uint(bits)-1)
}

// writeUint writes the low bits of v. A width of zero writes nothing.
func (b *Buffer) writeUint(v uint32, bits int) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.WriteBits(bits, tmp[:])
}

func (b *Buffer) readUint(bits int) uint32 {
	if bits == 0 {
		return 0
	}
	var tmp [4]byte
	b.ReadBits(bits, tmp[:])
	v := binary.LittleEndian.Uint32(tmp[:])
	if bits < 32 {
		v &= 1<<uint(bits) - 1
	}
	return v
}

func validWidth(bits int) bool { return bits >= 1 && bits <= 32 }

// WriteInt writes the low bits of v. bits must be in 1..32.
func (b *Buffer) WriteInt(v uint32, bits int) {
	if !validWidth(bits) {
		b.fail(fmt.Errorf("%w: %d", ErrBitWidth, bits))
		return
	}
	b.writeUint(v, bits)
}

// ReadInt reads an unsigned value of the given width, masked to bits.
func (b *Buffer) ReadInt(bits int) uint32 {
	if !validWidth(bits) {
		b.fail(fmt.Errorf("%w: %d", ErrBitWidth, bits))
		return 0
	}
	return b.readUint(bits)
}

// WriteSignedInt writes a sign flag followed by bits-1 magnitude bits.
// Representable values are ±(2^(bits-1) - 1).
func (b *Buffer) WriteSignedInt(v int32, bits int) {
	if !validWidth(bits) {
		b.fail(fmt.Errorf("%w: %d", ErrBitWidth, bits))
		return
	}
	mag := uint32(v)
	if b.WriteFlag(v < 0) {
		mag = uint32(-int64(v))
	}
	b.writeUint(mag, bits-1)
}

// ReadSignedInt reads a value written by WriteSignedInt.
func (b *Buffer) ReadSignedInt(bits int) int32 {
	if !validWidth(bits) {
		b.fail(fmt.Errorf("%w: %d", ErrBitWidth, bits))
		return 0
	}
	neg := b.ReadFlag()
	mag := int64(b.readUint(bits - 1))
	if neg {
		return int32(-mag)
	}
	return int32(mag)
}

// WriteFlag writes a single bit and returns v, so it can guard optional
// fields inline:
//
//	if b.WriteFlag(msg.HasTarget) {
//	    b.WriteInt(msg.Target, 20)
//	}
func (b *Buffer) WriteFlag(v bool) bool {
	var bit byte
	if v {
		bit = 1
	}
	b.grow(1)
	b.writeByteBits(bit, 1)
	return v
}

// ReadFlag reads a single bit.
func (b *Buffer) ReadFlag() bool {
	var tmp [1]byte
	b.ReadBits(1, tmp[:])
	return tmp[0] != 0
}

func quantMax(bits int) float64 {
	return float64(uint64(1)<<uint(bits) - 1)
}

// WriteFloat quantises f in [0,1] to bits bits. Out-of-range values are clamped.
func (b *Buffer) WriteFloat(f float64, bits int) {
	if !validWidth(bits) {
		b.fail(fmt.Errorf("%w: %d", ErrBitWidth, bits))
		return
	}
	if math.IsNaN(f) {
		f = 0
	}
	f = min(max(f, 0), 1)
	b.writeUint(uint32(math.Round(f*quantMax(bits))), bits)
}

// ReadFloat reads a value written by WriteFloat.
func (b *Buffer) ReadFloat(bits int) float64 {
	if !validWidth(bits) {
		b.fail(fmt.Errorf("%w: %d", ErrBitWidth, bits))
		return 0
	}
	return float64(b.readUint(bits)) / quantMax(bits)
}

// WriteSignedFloat quantises f in [-1,1] to bits bits.
func (b *Buffer) WriteSignedFloat(f float64, bits int) {
	b.WriteFloat((f+1)/2, bits)
}

// ReadSignedFloat reads a value written by WriteSignedFloat.
func (b *Buffer) ReadSignedFloat(bits int) float64 {
	return b.ReadFloat(bits)*2 - 1
}

// WriteUint8 writes an 8-bit value.
func (b *Buffer) WriteUint8(v uint8) { b.writeUint(uint32(v), 8) }

// WriteUint16 writes a 16-bit value, little-endian when byte aligned.
func (b *Buffer) WriteUint16(v uint16) { b.writeUint(uint32(v), 16) }

// WriteUint32 writes a 32-bit value, little-endian when byte aligned.
func (b *Buffer) WriteUint32(v uint32) { b.writeUint(v, 32) }

// ReadUint8 reads an 8-bit value.
func (b *Buffer) ReadUint8() uint8 { return uint8(b.readUint(8)) }

// ReadUint16 reads a 16-bit value.
func (b *Buffer) ReadUint16() uint16 { return uint16(b.readUint(16)) }

// ReadUint32 reads a 32-bit value.
func (b *Buffer) ReadUint32() uint32 { return b.readUint(32) }

// WriteBytes appends p without a length prefix.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteBits(len(p)*8, p)
}

// ReadBytes reads n bytes. It returns nil on overflow.
func (b *Buffer) ReadBytes(n int) []byte {
	if n < 0 || b.err != nil || b.readBit+n*8 > b.writeBit {
		b.fail(ErrReadOverflow)
		return nil
	}
	p := make([]byte, n)
	b.ReadBits(n*8, p)
	return p
}

// WriteBytesWithLengthPrefix writes a 10-bit length followed by p.
// Payloads longer than MaxPrefixedBytes are rejected without writing.
func (b *Buffer) WriteBytesWithLengthPrefix(p []byte) error {
	if len(p) > MaxPrefixedBytes {
		return fmt.Errorf("%w: %d > %d", ErrTooLong, len(p), MaxPrefixedBytes)
	}
	b.writeUint(uint32(len(p)), LengthPrefixBits)
	b.WriteBytes(p)
	return nil
}

// ReadBytesWithLengthPrefix reads a value written by WriteBytesWithLengthPrefix.
func (b *Buffer) ReadBytesWithLengthPrefix() []byte {
	n := int(b.readUint(LengthPrefixBits))
	if b.err != nil {
		return nil
	}
	return b.ReadBytes(n)
}

// WriteString writes a 16-bit bit count followed by the raw bytes of s.
func (b *Buffer) WriteString(s string) error {
	if len(s) > MaxStringBytes {
		return fmt.Errorf("%w: %d > %d", ErrTooLong, len(s), MaxStringBytes)
	}
	b.writeUint(uint32(len(s)*8), StringPrefixBits)
	b.WriteBytes([]byte(s))
	return nil
}

// ReadString reads a value written by WriteString.
func (b *Buffer) ReadString() string {
	n := int(b.readUint(StringPrefixBits))
	if b.err != nil || n == 0 {
		return ""
	}
	p := make([]byte, (n+7)/8)
	b.ReadBits(n, p)
	if b.err != nil {
		return ""
	}
	return string(p)
}

// AlignWrite pads the write cursor with zero bits to the next byte boundary.
func (b *Buffer) AlignWrite() {
	if pad := (8 - b.writeBit&7) & 7; pad > 0 {
		b.grow(pad)
		b.writeByteBits(0, pad)
	}
}

// AlignRead advances the read cursor to the next byte boundary.
func (b *Buffer) AlignRead() {
	if pad := (8 - b.readBit&7) & 7; pad > 0 {
		if b.readBit+pad > b.writeBit {
			b.fail(ErrReadOverflow)
			return
		}
		b.readBit += pad
	}
}
