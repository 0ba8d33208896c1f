package protocol

import (
	"encoding/binary"
	"fmt"
)

// ReliablePrefixSize is the reliable frame prefix:
// StreamID(2) + Index(4) + PayloadSize(4).
const ReliablePrefixSize = 10

// UnreliablePrefixSize is the datagram prefix: StreamID(2).
const UnreliablePrefixSize = 2

// DefaultMaxPayloadSize caps the payload_size a reliable receiver accepts.
const DefaultMaxPayloadSize = 16 * 1024 * 1024

// EncodeReliablePrefix writes the reliable prefix into buf[:ReliablePrefixSize].
func EncodeReliablePrefix(buf []byte, id StreamID, index uint32, payloadSize uint32) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(id))
	binary.LittleEndian.PutUint32(buf[2:6], index)
	binary.LittleEndian.PutUint32(buf[6:10], payloadSize)
}

// DecodeReliablePrefix reads the reliable prefix fields. No validation is
// performed beyond the length check.
func DecodeReliablePrefix(buf []byte) (id StreamID, index uint32, payloadSize uint32, err error) {
	if len(buf) < ReliablePrefixSize {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes (need %d)", ErrShortPrefix, len(buf), ReliablePrefixSize)
	}
	id = StreamID(binary.LittleEndian.Uint16(buf[0:2]))
	index = binary.LittleEndian.Uint32(buf[2:6])
	payloadSize = binary.LittleEndian.Uint32(buf[6:10])
	return id, index, payloadSize, nil
}

// EncodeUnreliablePrefix writes the datagram prefix into buf[:UnreliablePrefixSize].
func EncodeUnreliablePrefix(buf []byte, id StreamID) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(id))
}

// DecodeUnreliablePrefix reads the stream id of a datagram.
func DecodeUnreliablePrefix(buf []byte) (StreamID, error) {
	if len(buf) < UnreliablePrefixSize {
		return 0, fmt.Errorf("%w: %d bytes (need %d)", ErrShortPrefix, len(buf), UnreliablePrefixSize)
	}
	return StreamID(binary.LittleEndian.Uint16(buf[0:2])), nil
}

// EncodeFrame serializes a whole reliable frame.
func EncodeFrame(pkt *Packet) []byte {
	buf := make([]byte, ReliablePrefixSize+len(pkt.Payload))
	EncodeReliablePrefix(buf, pkt.StreamID, pkt.Index, uint32(len(pkt.Payload)))
	copy(buf[ReliablePrefixSize:], pkt.Payload)
	return buf
}

// DecodeFrame parses one complete reliable frame. The payload is copied.
func DecodeFrame(data []byte) (*Packet, error) {
	id, index, size, err := DecodeReliablePrefix(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)-ReliablePrefixSize) != uint64(size) {
		return nil, fmt.Errorf("frame length mismatch: prefix says %d, have %d", size, len(data)-ReliablePrefixSize)
	}
	pkt := &Packet{StreamID: id, Index: index}
	if size > 0 {
		pkt.Payload = make([]byte, size)
		copy(pkt.Payload, data[ReliablePrefixSize:])
	}
	return pkt, nil
}
