// Package discovery locates the peer on the local network by UDP
// broadcast before any stream socket exists.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultPort is the fixed discovery port.
const DefaultPort = 9943

const (
	nameSize   = 16
	headerSize = nameSize + 8 + 8

	// maxPacketSize bounds the public key a peer may advertise.
	maxPacketSize = 512
)

// packetName fills the name field, zero padded. The layout of the name,
// protocol id and peer type never changes, so peers of any version can
// tell an incompatible peer from garbage.
var packetName = [nameSize]byte{'A', 'L', 'V', 'R'}

// ErrNotDiscovery means a datagram on the discovery port is not a
// discovery packet.
var ErrNotDiscovery = errors.New("not a discovery packet")

// PeerType tells servers and clients apart.
type PeerType uint64

const (
	PeerServer PeerType = 0
	PeerClient PeerType = 1
)

func (t PeerType) String() string {
	switch t {
	case PeerServer:
		return "server"
	case PeerClient:
		return "client"
	default:
		return fmt.Sprintf("peer-type-%d", uint64(t))
	}
}

// Packet is the content of one discovery broadcast.
type Packet struct {
	ProtocolID uint64
	PeerType   PeerType
	PublicKey  []byte
}

// Encode serializes p as
// name(16) | protocol_id(8, LE) | peer_type(8, LE) | public_key.
func (p Packet) Encode() []byte {
	buf := make([]byte, headerSize+len(p.PublicKey))
	copy(buf, packetName[:])
	binary.LittleEndian.PutUint64(buf[nameSize:], p.ProtocolID)
	binary.LittleEndian.PutUint64(buf[nameSize+8:], uint64(p.PeerType))
	copy(buf[headerSize:], p.PublicKey)
	return buf
}

// DecodePacket parses a discovery packet. The name field and its padding
// must match exactly. The public key is copied.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < headerSize || len(data) > maxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrNotDiscovery, len(data))
	}
	if [nameSize]byte(data[:nameSize]) != packetName {
		return Packet{}, fmt.Errorf("%w: bad name", ErrNotDiscovery)
	}
	return Packet{
		ProtocolID: binary.LittleEndian.Uint64(data[nameSize:]),
		PeerType:   PeerType(binary.LittleEndian.Uint64(data[nameSize+8:])),
		PublicKey:  append([]byte(nil), data[headerSize:]...),
	}, nil
}
