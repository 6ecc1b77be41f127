package wire

import "fmt"

// headerBits is the size of the fixed per-message header. The fragment
// sub-header that may follow it is variable (four base-128 varints);
// callers planning against an MTU measure it with FragmentHeaderSize.
const headerBits = 8 + 1 + 15 + 16 // MessageType + Fragment + SequenceNumber + PayloadBitLength

// HeaderSize is the fixed 5-byte per-message header size in bytes.
const HeaderSize = headerBits / 8

// Fragment describes the sub-header present when a framed message is
// one chunk of a larger, fragmented application message.
type Fragment struct {
	GroupID       uint64
	TotalBits     uint64
	ChunkByteSize uint64
	ChunkIndex    uint64
}

// Frame is one framed message as it appears on the wire: the 5-byte
// header, an optional fragment sub-header, and a byte-aligned payload.
// Grounded on the teacher's EncapsulatedPacket / DataPacket framing
// (source/protocol/raknet.go), generalized to the bit-packed 5-byte
// header spec.md §4.2 mandates.
type Frame struct {
	Type           MessageType
	SequenceNumber uint16 // 15-bit, 0 when unused
	Fragment       *Fragment
	Payload        []byte
}

// Encode appends the frame's wire representation to buf.
func (f *Frame) Encode(buf *MessageBuffer) {
	buf.WriteUint8(uint8(f.Type))
	buf.WriteBool(f.Fragment != nil)
	buf.WriteRangedUint(uint64(f.SequenceNumber&SequenceMask), 15)

	lengthOffset := buf.BitLength()
	buf.WriteUint16(0) // placeholder, patched below

	if f.Fragment != nil {
		buf.WriteVarUint64(f.Fragment.GroupID)
		buf.WriteVarUint64(f.Fragment.TotalBits)
		buf.WriteVarUint64(f.Fragment.ChunkByteSize)
		buf.WriteVarUint64(f.Fragment.ChunkIndex)
	}

	buf.WriteAlignedBytes(f.Payload)
	buf.WriteBitsAt(lengthOffset, uint64(len(f.Payload)*8), 16)
}

// FragmentHeaderSize returns the encoded size, in bytes, of a fragment
// sub-header carrying the given four values (at least 4, one byte per
// varint). Used by the sender to iteratively size fragment chunks
// against the MTU.
func FragmentHeaderSize(groupID, totalBits, chunkByteSize, chunkIndex uint64) int {
	b := NewEmptyMessageBuffer()
	b.WriteVarUint64(groupID)
	b.WriteVarUint64(totalBits)
	b.WriteVarUint64(chunkByteSize)
	b.WriteVarUint64(chunkIndex)
	return (b.BitLength() + 7) / 8
}

// DecodeFrame reads one framed message from buf.
func DecodeFrame(buf *MessageBuffer) (*Frame, error) {
	typ, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("wire: decode message type: %w", err)
	}
	hasFragment, err := buf.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("wire: decode fragment flag: %w", err)
	}
	seq, err := buf.ReadRangedUint(15)
	if err != nil {
		return nil, fmt.Errorf("wire: decode sequence number: %w", err)
	}
	payloadBits, err := buf.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload length: %w", err)
	}

	f := &Frame{Type: MessageType(typ), SequenceNumber: uint16(seq)}

	if hasFragment {
		groupID, err := buf.ReadVarUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode fragment group id: %w", err)
		}
		totalBits, err := buf.ReadVarUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode fragment total bits: %w", err)
		}
		chunkByteSize, err := buf.ReadVarUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode fragment chunk size: %w", err)
		}
		chunkIndex, err := buf.ReadVarUint64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode fragment chunk index: %w", err)
		}
		f.Fragment = &Fragment{
			GroupID:       groupID,
			TotalBits:     totalBits,
			ChunkByteSize: chunkByteSize,
			ChunkIndex:    chunkIndex,
		}
	}

	if payloadBits%8 != 0 {
		return nil, fmt.Errorf("wire: malformed datagram: payload bit length %d not byte-aligned", payloadBits)
	}
	payload, err := buf.ReadAlignedBytes(int(payloadBits / 8))
	if err != nil {
		return nil, fmt.Errorf("wire: malformed datagram: payload length inconsistent with bytes available: %w", err)
	}
	f.Payload = payload
	return f, nil
}

// DecodeDatagram decodes every framed message packed end-to-end into
// one datagram, looping until the buffer is exhausted.
func DecodeDatagram(data []byte) ([]*Frame, error) {
	buf := NewMessageBuffer(data)
	var frames []*Frame
	for buf.BitsRemaining() > 0 {
		if buf.BitsRemaining() < headerBits {
			return frames, fmt.Errorf("wire: malformed datagram: %d trailing bits, short of a header", buf.BitsRemaining())
		}
		f, err := DecodeFrame(buf)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}
