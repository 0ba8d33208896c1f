// Package control implements the control socket: a WebSocket carrying
// CBOR-encoded messages, used to agree on a session before the stream
// socket is opened and to signal WebRTC connections.
package control

import (
	"fmt"

	"github.com/1ureka/streamsock/internal/discovery"
	"github.com/1ureka/streamsock/internal/protocol"
)

// MessageType identifies the kind of control message.
type MessageType uint8

const (
	MsgHello MessageType = iota + 1
	MsgSessionConfig
	MsgReady
	MsgSignal
	MsgClose
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgSessionConfig:
		return "session-config"
	case MsgReady:
		return "ready"
	case MsgSignal:
		return "signal"
	case MsgClose:
		return "close"
	default:
		return fmt.Sprintf("message-%d", uint8(t))
	}
}

// Hello introduces a peer. Both sides send one first.
type Hello struct {
	ProtocolID uint64             `cbor:"1,keyasint"`
	PeerType   discovery.PeerType `cbor:"2,keyasint"`
	PublicKey  []byte             `cbor:"3,keyasint"`
	Hostname   string             `cbor:"4,keyasint,omitempty"`
	Version    string             `cbor:"5,keyasint,omitempty"`

	// Nonce is a fresh challenge the peer must sign. Proof is the
	// client's signature over the server's Nonce.
	Nonce []byte `cbor:"6,keyasint"`
	Proof []byte `cbor:"7,keyasint,omitempty"`
}

// SessionConfig is chosen by the server and applied by both peers.
type SessionConfig struct {
	Transport       string                                  `cbor:"1,keyasint"`
	StreamPort      uint16                                  `cbor:"2,keyasint"`
	Policy          map[protocol.StreamID]protocol.Delivery `cbor:"3,keyasint"`
	MaxPayloadSize  uint32                                  `cbor:"4,keyasint"`
	MaxDatagramSize int                                     `cbor:"5,keyasint"`
	Buffers         int                                     `cbor:"6,keyasint,omitempty"`

	RateLimit         bool    `cbor:"7,keyasint"`
	VideoBitrate      uint64  `cbor:"8,keyasint"`
	BitrateMultiplier float64 `cbor:"9,keyasint"`
	MinByterate       uint64  `cbor:"10,keyasint"`
	ReserveByterate   uint64  `cbor:"11,keyasint"`

	// DatagramPort is the server's UDP port on the tcp transport. The
	// client sends datagrams there and accepts them only from there.
	DatagramPort uint16 `cbor:"12,keyasint,omitempty"`
}

// SignalKind is the kind of a WebRTC signaling message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal carries one SDP or ICE candidate.
type Signal struct {
	Kind      SignalKind `cbor:"1,keyasint"`
	SDP       string     `cbor:"2,keyasint,omitempty"`
	Candidate []byte     `cbor:"3,keyasint,omitempty"` // JSON-encoded ICECandidateInit
}

// Message is the envelope of every control message. Exactly one body
// field is set, matching Type.
type Message struct {
	Type   MessageType    `cbor:"1,keyasint"`
	Hello  *Hello         `cbor:"2,keyasint,omitempty"`
	Config *SessionConfig `cbor:"3,keyasint,omitempty"`
	Signal *Signal        `cbor:"4,keyasint,omitempty"`
	Reason string         `cbor:"5,keyasint,omitempty"`

	// Proof accompanies the SessionConfig: the server's signature over
	// the client's Hello nonce.
	Proof []byte `cbor:"6,keyasint,omitempty"`
}
