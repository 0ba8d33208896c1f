// Package protocol defines the stream ids, packet types and wire framing
// shared by every transport of the stream socket.
package protocol

import "fmt"

// StreamID identifies a logical channel multiplexed over one connection.
type StreamID uint16

// Built-in stream ids. Stable within a protocol major version.
const (
	StreamTracking   StreamID = 0
	StreamHaptics    StreamID = 1
	StreamAudio      StreamID = 2
	StreamVideo      StreamID = 3
	StreamStatistics StreamID = 4
)

var streamNames = map[StreamID]string{
	StreamTracking:   "tracking",
	StreamHaptics:    "haptics",
	StreamAudio:      "audio",
	StreamVideo:      "video",
	StreamStatistics: "statistics",
}

func (id StreamID) String() string {
	if name, ok := streamNames[id]; ok {
		return name
	}
	return fmt.Sprintf("stream-%d", uint16(id))
}

// ParseStreamID resolves a stream name ("video", "audio", ...) to its id.
func ParseStreamID(name string) (StreamID, error) {
	for id, n := range streamNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown stream %q", name)
}

// Delivery selects which transport carries a stream.
type Delivery uint8

const (
	Reliable   Delivery = iota // ordered, lossless (TCP-like)
	Unreliable                 // unordered, lossy (UDP-like)
)

func (d Delivery) String() string {
	switch d {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("delivery-%d", uint8(d))
	}
}

// MarshalText lets Delivery appear by name in YAML and CBOR.
func (d Delivery) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses "reliable" or "unreliable".
func (d *Delivery) UnmarshalText(text []byte) error {
	switch string(text) {
	case "reliable":
		*d = Reliable
	case "unreliable":
		*d = Unreliable
	default:
		return fmt.Errorf("unknown delivery %q", text)
	}
	return nil
}

// PayloadOffset is the number of prefix bytes a sender reserves before the
// payload for this delivery.
func (d Delivery) PayloadOffset() int {
	if d == Unreliable {
		return UnreliablePrefixSize
	}
	return ReliablePrefixSize
}

// Packet is one logical message on a stream.
type Packet struct {
	StreamID StreamID
	Index    uint32 // per-stream wrapping sequence number
	Payload  []byte
}

// ReconstructedPacket is a completed frame handed from a transport to a
// stream's consumer. Buffer still carries the wire prefix; the consumer
// strips it.
type ReconstructedPacket struct {
	Index  uint32
	Buffer []byte
}
