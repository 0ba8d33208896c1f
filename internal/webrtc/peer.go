// Package webrtc provides the WebRTC binding of the unreliable path: a
// PeerConnection carrying one unordered, zero-retransmit DataChannel.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when the
// configuration names none. No TURN; peers are expected on the same LAN
// or reachable directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// datagramChannelID is the pre-agreed SCTP stream id of the datagram
// channel. Both peers create the channel with the same id, so no in-band
// DataChannel announcement is needed.
const datagramChannelID uint16 = 0

// NewPeerConnection creates a PeerConnection using stunServers. An empty
// list means host candidates only. Loopback candidates are included so a
// server and client on the same machine can connect.
func NewPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// CreateDatagramChannel creates the negotiated datagram DataChannel on pc.
// Unordered with zero retransmits, so a lost message stays lost and never
// blocks the ones behind it.
func CreateDatagramChannel(pc *webrtc.PeerConnection) (*DatagramChannel, error) {
	ordered := false
	negotiated := true
	maxRetransmits := uint16(0)
	id := datagramChannelID

	raw, err := pc.CreateDataChannel("streamsock", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
	if err != nil {
		return nil, err
	}
	return NewDatagramChannel(raw), nil
}
