package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRelativeSequenceNumber covers property 9: the relative distance
// from a to b, advanced from a, reconstructs b, and always falls
// within [-N/2, N/2).
func TestRelativeSequenceNumber(t *testing.T) {
	deltas := []int32{0, 1, -1, 100, -100, NumSequenceNumbers/2 - 1, -(NumSequenceNumbers / 2)}
	bases := []uint16{0, 1, 16383, 16384, 32767, 12345}
	for _, a := range bases {
		for _, d := range deltas {
			b := Advance(a, d)
			got := Relative(a, b)
			assert.Equal(t, d, got, "a=%d d=%d", a, d)
			assert.GreaterOrEqual(t, got, int32(-NumSequenceNumbers/2))
			assert.Less(t, got, int32(NumSequenceNumbers/2))
		}
	}
}

func TestRelativeWraparound(t *testing.T) {
	// Just past the boundary should be newer, just before should be older.
	assert.True(t, Less(NumSequenceNumbers-1, 0))
	assert.False(t, Less(0, NumSequenceNumbers-1))
}
