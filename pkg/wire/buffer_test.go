package wire

import (
	"math"
	"math/bits"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUint64RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 127, 128, 129, 16383, 16384, 1 << 32, math.MaxUint64, math.MaxUint64 - 1}
	for _, v := range values {
		b := NewEmptyMessageBuffer()
		b.WriteVarUint64(v)
		got, err := NewMessageBuffer(b.Bytes()).ReadVarUint64()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestVarInt64ZigZagRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 2, -2, math.MaxInt64, math.MinInt64, 12345, -12345}
	for _, v := range values {
		b := NewEmptyMessageBuffer()
		b.WriteVarInt64(v)
		got, err := NewMessageBuffer(b.Bytes()).ReadVarInt64()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		if v != 0 {
			assert.Equal(t, v < 0, got < 0)
		}
	}
}

// TestBitPackingRoundTrip covers property 8: writing n in k bits and
// reading k bits back returns n regardless of the bit offset at which
// the write occurred.
func TestBitPackingRoundTrip(t *testing.T) {
	for k := 1; k <= 64; k++ {
		var maxN uint64
		if k == 64 {
			maxN = math.MaxUint64
		} else {
			maxN = (uint64(1) << uint(k)) - 1
		}
		for _, n := range []uint64{0, maxN, maxN / 2, maxN / 3} {
			n &= maxN
			for offset := 0; offset < 9; offset++ {
				b := NewEmptyMessageBuffer()
				b.WriteBits(0, offset) // misalign the cursor
				b.WriteRangedUint(n, k)
				r := NewMessageBuffer(b.Bytes())
				r.SetReadPosition(offset)
				got, err := r.ReadRangedUint(k)
				require.NoError(t, err)
				assert.Equal(t, n, got, "k=%d offset=%d", k, offset)
			}
		}
	}
}

func TestFloatRoundTrip(t *testing.T) {
	f32s := []float32{0, 1, -1, 3.14159, float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN())}
	for _, f := range f32s {
		b := NewEmptyMessageBuffer()
		b.WriteFloat32(f)
		got, err := NewMessageBuffer(b.Bytes()).ReadFloat32()
		require.NoError(t, err)
		assert.Equal(t, math.Float32bits(f), math.Float32bits(got))
	}

	f64s := []float64{0, 1, -1, math.Pi, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, f := range f64s {
		b := NewEmptyMessageBuffer()
		b.WriteFloat64(f)
		got, err := NewMessageBuffer(b.Bytes()).ReadFloat64()
		require.NoError(t, err)
		assert.Equal(t, math.Float64bits(f), math.Float64bits(got))
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "hello", "unicode: éè中文"} {
		b := NewEmptyMessageBuffer()
		b.WriteBool(true) // misalign
		b.WriteString(s)
		r := NewMessageBuffer(b.Bytes())
		_, _ = r.ReadBool()
		got, err := r.ReadString()
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestEndpointRoundTrip(t *testing.T) {
	addrs := []*net.UDPAddr{
		{IP: net.IPv4(127, 0, 0, 1), Port: 7000},
		{IP: net.ParseIP("::1"), Port: 443},
	}
	for _, a := range addrs {
		b := NewEmptyMessageBuffer()
		b.WriteEndpoint(a)
		got, err := NewMessageBuffer(b.Bytes()).ReadEndpoint()
		require.NoError(t, err)
		assert.Equal(t, a.Port, got.Port)
		assert.True(t, a.IP.Equal(got.IP))
	}
}

func TestWriteAtBackpatch(t *testing.T) {
	b := NewEmptyMessageBuffer()
	offset := b.BitLength()
	b.WriteUint16(0)
	b.WriteAlignedBytes([]byte("payload"))
	b.WriteBitsAt(offset, 0xBEEF, 16)

	r := NewMessageBuffer(b.Bytes())
	v, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v)
}

func TestAlignedBytesRoundTrip(t *testing.T) {
	b := NewEmptyMessageBuffer()
	b.WriteBool(true)
	b.WriteBool(false)
	b.WriteBool(true)
	payload := []byte{1, 2, 3, 4, 5}
	b.WriteAlignedBytes(payload)

	r := NewMessageBuffer(b.Bytes())
	_, _ = r.ReadBool()
	_, _ = r.ReadBool()
	_, _ = r.ReadBool()
	got, err := r.ReadAlignedBytes(len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEnsureBufferSizeGrows(t *testing.T) {
	b := NewEmptyMessageBuffer()
	b.WriteBits(1, 1)
	b.EnsureBufferSize(10000)
	assert.GreaterOrEqual(t, len(b.data)*8, 10000)
	// Popcount sanity: the single written bit still reads back.
	r := NewMessageBuffer(b.data)
	r.SetReadPosition(0)
	v, err := r.ReadBits(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, 1, bits.OnesCount8(b.data[0]))
}
