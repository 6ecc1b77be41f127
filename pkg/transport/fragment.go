package transport

import (
	"fmt"
	"sync"

	"github.com/wireforge/peerlink/pkg/wire"
)

// FragmentChunk is one chunk produced by SplitIntoFragments, ready to
// be framed as a standalone reliable-ordered message (spec §4.4.6:
// "other delivery methods never fragment").
type FragmentChunk struct {
	Fragment wire.Fragment
	Payload  []byte
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// PlanFragmentChunkSize finds the largest chunk byte size such that
// chunkByteSize + fragmentHeaderSize + wire.HeaderSize + 1 <= mtu,
// reducing iteratively as spec §4.4.6 directs (the fragment header's
// own varint encoding grows with larger group/total/index values, so
// the fit must be checked rather than computed in closed form).
func PlanFragmentChunkSize(totalBytes int, mtu int) int {
	chunkByteSize := mtu - wire.HeaderSize - 1
	if chunkByteSize < 1 {
		return 1
	}
	for chunkByteSize > 1 {
		numChunks := ceilDiv(totalBytes, chunkByteSize)
		if numChunks < 1 {
			numChunks = 1
		}
		hdr := wire.FragmentHeaderSize(^uint64(0), uint64(totalBytes)*8, uint64(chunkByteSize), uint64(numChunks-1))
		if chunkByteSize+hdr+wire.HeaderSize+1 <= mtu {
			return chunkByteSize
		}
		chunkByteSize--
	}
	return 1
}

// SplitIntoFragments splits payload into chunks sized for mtu, tagged
// with groupID (spec §4.4.6). groupID must be non-zero and unique per
// connection per fragmented message.
func SplitIntoFragments(groupID uint64, payload []byte, mtu int) []FragmentChunk {
	chunkSize := PlanFragmentChunkSize(len(payload), mtu)
	totalBits := uint64(len(payload)) * 8
	chunks := make([]FragmentChunk, 0, ceilDiv(len(payload), chunkSize))
	idx := uint64(0)
	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunkPayload := make([]byte, end-offset)
		copy(chunkPayload, payload[offset:end])
		chunks = append(chunks, FragmentChunk{
			Fragment: wire.Fragment{
				GroupID:       groupID,
				TotalBits:     totalBits,
				ChunkByteSize: uint64(chunkSize),
				ChunkIndex:    idx,
			},
			Payload: chunkPayload,
		})
		idx++
	}
	if len(payload) == 0 {
		chunks = append(chunks, FragmentChunk{
			Fragment: wire.Fragment{GroupID: groupID, TotalBits: 0, ChunkByteSize: uint64(chunkSize), ChunkIndex: 0},
			Payload:  nil,
		})
	}
	return chunks
}

type reassemblyBuffer struct {
	data     []byte
	received []bool
	count    int
}

// Reassembler reconstructs fragmented messages per spec §4.4.6: "per
// (senderConnection, groupId) the receiver maintains a buffer sized
// totalBytes and a bitmap of received chunk indices... when all chunks
// are present, the fully reconstructed message is materialized as a
// single incoming message and released." One Reassembler instance is
// owned by each Connection, so the (senderConnection, groupId) key
// collapses to groupId.
type Reassembler struct {
	mu       sync.Mutex
	groups   map[uint64]*reassemblyBuffer
	onFinish func()
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler { return &Reassembler{groups: make(map[uint64]*reassemblyBuffer)} }

// SetOnFinish installs a callback invoked each time a fragment group
// completes reassembly (used to drive Stats.FragmentsReassembled).
func (r *Reassembler) SetOnFinish(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = f
}

// AddChunk incorporates one received chunk. When every chunk of the
// chunk's group has now arrived, it returns the fully reassembled
// payload and true.
func (r *Reassembler) AddChunk(f *wire.Fragment, payload []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.groups[f.GroupID]
	if !ok {
		if f.ChunkByteSize == 0 {
			return nil, false, fmt.Errorf("transport: fragment with zero chunk size in group %d", f.GroupID)
		}
		totalBytes := int((f.TotalBits + 7) / 8)
		numChunks := ceilDiv(totalBytes, int(f.ChunkByteSize))
		if numChunks < 1 {
			numChunks = 1
		}
		buf = &reassemblyBuffer{data: make([]byte, totalBytes), received: make([]bool, numChunks)}
		r.groups[f.GroupID] = buf
	}

	offset := int(f.ChunkIndex) * int(f.ChunkByteSize)
	if int(f.ChunkIndex) >= len(buf.received) || offset+len(payload) > len(buf.data) {
		return nil, false, fmt.Errorf("transport: fragment chunk %d out of range for group %d", f.ChunkIndex, f.GroupID)
	}
	if !buf.received[f.ChunkIndex] {
		copy(buf.data[offset:], payload)
		buf.received[f.ChunkIndex] = true
		buf.count++
	}
	if buf.count == len(buf.received) {
		delete(r.groups, f.GroupID)
		if r.onFinish != nil {
			r.onFinish()
		}
		return buf.data, true, nil
	}
	return nil, false, nil
}

// Reset discards all in-progress reassembly state, used when a
// connection is disconnected.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = make(map[uint64]*reassemblyBuffer)
}
