package transport

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireforge/peerlink/pkg/wire"
)

func TestSplitIntoFragmentsReassemblesExactly(t *testing.T) {
	payload := make([]byte, 5000)
	rand.New(rand.NewSource(1)).Read(payload)

	chunks := SplitIntoFragments(42, payload, 512)
	require.Greater(t, len(chunks), 1)

	re := NewReassembler()
	var got []byte
	var complete bool
	for i, c := range chunks {
		f := c.Fragment
		data, done, err := re.AddChunk(&f, c.Payload)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			assert.False(t, done)
		} else {
			require.True(t, done)
			got = data
			complete = done
		}
	}
	require.True(t, complete)
	assert.True(t, bytes.Equal(payload, got))
}

func TestSplitIntoFragmentsOutOfOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("reliable-transport-payload-"), 200)
	chunks := SplitIntoFragments(7, payload, 300)
	require.Greater(t, len(chunks), 2)

	// Shuffle arrival order.
	shuffled := append([]FragmentChunk(nil), chunks...)
	rand.New(rand.NewSource(2)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	re := NewReassembler()
	var result []byte
	for _, c := range shuffled {
		f := c.Fragment
		data, done, err := re.AddChunk(&f, c.Payload)
		require.NoError(t, err)
		if done {
			result = data
		}
	}
	assert.True(t, bytes.Equal(payload, result))
}

func TestPlanFragmentChunkSizeFitsMTU(t *testing.T) {
	for _, mtu := range []int{64, 128, 512, 1408} {
		size := PlanFragmentChunkSize(100000, mtu)
		chunks := SplitIntoFragments(1, make([]byte, 100000), mtu)
		for _, c := range chunks {
			buf := wire.NewEmptyMessageBuffer()
			f := &wire.Frame{Type: wire.MsgReliableUnordered, SequenceNumber: 0, Fragment: &c.Fragment, Payload: c.Payload}
			f.Encode(buf)
			assert.LessOrEqual(t, len(buf.Bytes()), mtu, "chunk framed size must fit mtu=%d (planned size=%d)", mtu, size)
		}
	}
}

func TestReassemblerDuplicateChunkIgnored(t *testing.T) {
	chunks := SplitIntoFragments(9, []byte("abcdefgh"), 8+wire.HeaderSize+6)
	re := NewReassembler()
	var last []byte
	var done bool
	for _, c := range chunks {
		f := c.Fragment
		data, d, err := re.AddChunk(&f, c.Payload)
		require.NoError(t, err)
		if d {
			last, done = data, d
		}
	}
	// Re-deliver the first chunk again; group is already gone so this
	// starts a brand new (harmless) group rather than panicking.
	f := chunks[0].Fragment
	_, _, err := re.AddChunk(&f, chunks[0].Payload)
	assert.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("abcdefgh"), last)
}
