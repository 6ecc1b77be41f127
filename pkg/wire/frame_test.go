package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		Type:           MsgReliableUnordered,
		SequenceNumber: 12345,
		Payload:        []byte("hello, reliable world"),
	}
	buf := NewEmptyMessageBuffer()
	f.Encode(buf)

	got, err := DecodeFrame(NewMessageBuffer(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, f.Payload, got.Payload)
	assert.Nil(t, got.Fragment)
}

func TestFrameWithFragmentRoundTrip(t *testing.T) {
	f := &Frame{
		Type:           MsgReliableUnordered,
		SequenceNumber: 1,
		Fragment:       &Fragment{GroupID: 7, TotalBits: 65536 * 8, ChunkByteSize: 1024, ChunkIndex: 3},
		Payload:        []byte{1, 2, 3, 4},
	}
	buf := NewEmptyMessageBuffer()
	f.Encode(buf)

	got, err := DecodeFrame(NewMessageBuffer(buf.Bytes()))
	require.NoError(t, err)
	require.NotNil(t, got.Fragment)
	assert.Equal(t, *f.Fragment, *got.Fragment)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestDecodeDatagramMultipleFrames(t *testing.T) {
	buf := NewEmptyMessageBuffer()
	frames := []*Frame{
		{Type: MsgUnreliable, Payload: []byte("one")},
		{Type: MsgReliableUnordered, SequenceNumber: 9, Payload: []byte("two")},
		{Type: msgReliableOrderedBase, SequenceNumber: 3, Payload: []byte("three")},
	}
	for _, f := range frames {
		f.Encode(buf)
	}

	decoded, err := DecodeDatagram(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i, f := range frames {
		assert.Equal(t, f.Type, decoded[i].Type)
		assert.Equal(t, f.Payload, decoded[i].Payload)
	}
}

func TestDecodeDatagramTruncatedIsMalformed(t *testing.T) {
	buf := NewEmptyMessageBuffer()
	(&Frame{Type: MsgUnreliable, Payload: []byte("payload")}).Encode(buf)
	data := buf.Bytes()
	_, err := DecodeDatagram(data[:len(data)-2])
	assert.Error(t, err)
}

func TestWireTypeDeliveryRoundTrip(t *testing.T) {
	cases := []struct {
		method  DeliveryMethod
		channel int
	}{
		{Unreliable, 0},
		{UnreliableSequenced, 0},
		{UnreliableSequenced, 15},
		{ReliableUnordered, 0},
		{ReliableSequenced, 7},
		{ReliableOrdered, 15},
	}
	for _, c := range cases {
		typ, err := WireType(c.method, c.channel)
		require.NoError(t, err)
		assert.True(t, IsUserMessage(typ))
		method, channel, ok := Delivery(typ)
		require.True(t, ok)
		assert.Equal(t, c.method, method)
		if c.method.HasChannel() {
			assert.Equal(t, c.channel, channel)
		}
	}
}

func TestWireTypeRejectsOutOfRangeChannel(t *testing.T) {
	_, err := WireType(ReliableOrdered, NumChannels)
	assert.Error(t, err)
	_, err = WireType(ReliableSequenced, -1)
	assert.Error(t, err)
}
