package bitbuf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsignedRoundTripAllWidths(t *testing.T) {
	for bits := 1; bits <= 32; bits++ {
		maxVal := uint32(uint64(1)<<uint(bits) - 1)
		values := []uint32{0, 1 & maxVal, maxVal, maxVal / 2, maxVal / 3}

		b := New(0)
		for _, v := range values {
			b.WriteInt(v, bits)
		}
		require.True(t, b.IsValid())

		for i, want := range values {
			got := b.ReadInt(bits)
			assert.Equal(t, want, got, "width %d value %d", bits, i)
		}
		assert.True(t, b.IsValid(), "width %d", bits)
	}
}

func TestSignedRoundTripAllWidths(t *testing.T) {
	for bits := 1; bits <= 32; bits++ {
		limit := int32(uint64(1)<<uint(bits-1) - 1)
		values := []int32{0, limit, -limit, limit / 2, -(limit / 3)}

		b := New(0)
		for _, v := range values {
			b.WriteSignedInt(v, bits)
		}
		for _, want := range values {
			assert.Equal(t, want, b.ReadSignedInt(bits), "width %d", bits)
		}
		assert.True(t, b.IsValid(), "width %d", bits)
	}
}

func TestReadMasksToWidth(t *testing.T) {
	b := New(4)
	b.WriteInt(0xFFFFFFFF, 32)

	assert.Equal(t, uint32(0x1F), b.ReadInt(5))
}

func TestFloatQuantisationTolerance(t *testing.T) {
	inputs := []float64{0, 0.1, 0.25, 1.0 / 3, 0.5, 0.77, 0.999, 1}

	for bits := 1; bits <= 32; bits++ {
		tol := 1 / (float64(uint64(1)<<uint(bits)) - 1)
		b := New(0)
		for _, v := range inputs {
			b.WriteFloat(v, bits)
		}
		for _, want := range inputs {
			got := b.ReadFloat(bits)
			assert.LessOrEqual(t, math.Abs(got-want), tol, "width %d value %v", bits, want)
		}
	}
}

func TestSignedFloatTolerance(t *testing.T) {
	inputs := []float64{-1, -0.5, -0.01, 0, 0.3, 1}

	for _, bits := range []int{8, 12, 16, 24} {
		tol := 2 / (float64(uint64(1)<<uint(bits)) - 1)
		b := New(0)
		for _, v := range inputs {
			b.WriteSignedFloat(v, bits)
		}
		for _, want := range inputs {
			assert.InDelta(t, want, b.ReadSignedFloat(bits), tol, "width %d", bits)
		}
	}
}

func TestFloatClamps(t *testing.T) {
	b := New(0)
	b.WriteFloat(1.5, 8)
	b.WriteFloat(-2, 8)

	assert.Equal(t, 1.0, b.ReadFloat(8))
	assert.Equal(t, 0.0, b.ReadFloat(8))
}

func TestFlags(t *testing.T) {
	b := New(0)
	assert.True(t, b.WriteFlag(true))
	assert.False(t, b.WriteFlag(false))
	b.WriteFlag(true)

	assert.Equal(t, 3, b.BitLen())
	assert.True(t, b.ReadFlag())
	assert.False(t, b.ReadFlag())
	assert.True(t, b.ReadFlag())
}

func TestReadOverflowIsSticky(t *testing.T) {
	b := New(0)
	b.WriteInt(7, 3)

	assert.Equal(t, uint32(7), b.ReadInt(3))
	assert.Equal(t, uint32(0), b.ReadInt(1))
	assert.False(t, b.IsValid())
	assert.ErrorIs(t, b.Err(), ErrReadOverflow)

	// Later reads stay no-ops even if data would be available.
	b.WriteInt(1, 1)
	assert.Equal(t, uint32(0), b.ReadInt(1))
	assert.False(t, b.IsValid())
}

func TestInvalidWidth(t *testing.T) {
	b := New(0)
	b.WriteInt(1, 33)
	assert.ErrorIs(t, b.Err(), ErrBitWidth)
	assert.Equal(t, 0, b.BitLen())
}

func TestUnalignedInterleave(t *testing.T) {
	b := New(1)
	b.WriteFlag(true)
	b.WriteUint16(0xBEEF)
	b.WriteInt(5, 3)
	b.WriteBytes([]byte("abc"))
	b.AlignWrite()
	b.WriteUint32(0xDEADBEEF)

	assert.True(t, b.ReadFlag())
	assert.Equal(t, uint16(0xBEEF), b.ReadUint16())
	assert.Equal(t, uint32(5), b.ReadInt(3))
	assert.Equal(t, []byte("abc"), b.ReadBytes(3))
	b.AlignRead()
	assert.Equal(t, uint32(0xDEADBEEF), b.ReadUint32())
	assert.True(t, b.IsValid())
	assert.Equal(t, 0, b.RemainingBits())
}

func TestAlignedWriteIsLittleEndian(t *testing.T) {
	b := New(0)
	b.WriteUint16(0x0102)
	b.WriteUint32(0x03040506)

	assert.Equal(t, []byte{0x02, 0x01, 0x06, 0x05, 0x04, 0x03}, b.Bytes())
}

func TestGrowPreservesData(t *testing.T) {
	b := New(1)
	for i := range 1000 {
		b.WriteInt(uint32(i), 11)
	}
	assert.GreaterOrEqual(t, b.Capacity(), b.BitLen())

	for i := range 1000 {
		require.Equal(t, uint32(i), b.ReadInt(11))
	}
}

func TestLengthPrefixedBytes(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		b := New(0)
		b.WriteFlag(true)
		require.NoError(t, b.WriteBytesWithLengthPrefix([]byte("hello")))
		require.NoError(t, b.WriteBytesWithLengthPrefix(nil))

		b.ReadFlag()
		assert.Equal(t, []byte("hello"), b.ReadBytesWithLengthPrefix())
		assert.Empty(t, b.ReadBytesWithLengthPrefix())
		assert.True(t, b.IsValid())
	})

	t.Run("MaxLength", func(t *testing.T) {
		b := New(0)
		payload := make([]byte, MaxPrefixedBytes)
		payload[MaxPrefixedBytes-1] = 0xAA
		require.NoError(t, b.WriteBytesWithLengthPrefix(payload))
		assert.Equal(t, payload, b.ReadBytesWithLengthPrefix())
	})

	t.Run("TooLong", func(t *testing.T) {
		b := New(0)
		err := b.WriteBytesWithLengthPrefix(make([]byte, MaxPrefixedBytes+1))
		assert.ErrorIs(t, err, ErrTooLong)
		assert.Equal(t, 0, b.BitLen())
	})

	t.Run("TruncatedBody", func(t *testing.T) {
		b := New(0)
		b.WriteInt(20, LengthPrefixBits)
		b.WriteBytes([]byte("short"))

		assert.Nil(t, b.ReadBytesWithLengthPrefix())
		assert.False(t, b.IsValid())
	})
}

func TestStrings(t *testing.T) {
	b := New(0)
	b.WriteInt(3, 2)
	require.NoError(t, b.WriteString("player-one"))
	require.NoError(t, b.WriteString(""))

	assert.Equal(t, uint32(3), b.ReadInt(2))
	assert.Equal(t, "player-one", b.ReadString())
	assert.Equal(t, "", b.ReadString())
	assert.True(t, b.IsValid())

	err := New(0).WriteString(string(make([]byte, MaxStringBytes+1)))
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestFromBytesAndReset(t *testing.T) {
	b := FromBytes([]byte{0xAB, 0xCD})
	assert.Equal(t, 16, b.RemainingBits())
	assert.Equal(t, uint16(0xCDAB), b.ReadUint16())

	b.Reset()
	assert.Equal(t, 0, b.BitLen())
	assert.True(t, b.IsValid())
	b.WriteUint8(9)
	assert.Equal(t, uint8(9), b.ReadUint8())
}

func TestSetReadBitPos(t *testing.T) {
	b := New(0)
	b.WriteUint8(0x0F)

	b.SetReadBitPos(4)
	assert.Equal(t, uint32(0), b.ReadInt(4))
	b.SetReadBitPos(0)
	assert.Equal(t, uint32(0xF), b.ReadInt(4))
	assert.Equal(t, 1, b.BytePos())

	b.SetReadBitPos(9)
	assert.False(t, b.IsValid())
}
