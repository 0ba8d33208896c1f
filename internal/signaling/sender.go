package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/streamsock/internal/control"
)

// sender writes signaling messages to the control socket.
type sender struct {
	pc   *webrtc.PeerConnection
	conn *control.Conn
}

func (s *sender) send(signal *control.Signal) error {
	return s.conn.Send(&control.Message{Type: control.MsgSignal, Signal: signal})
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	return s.send(&control.Signal{Kind: control.SignalOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}

	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	return s.send(&control.Signal{Kind: control.SignalAnswer, SDP: answer.SDP})
}

// sendCandidate sends an ICE candidate in pion's JSON form.
func (s *sender) sendCandidate(candidate webrtc.ICECandidateInit) error {
	data, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return s.send(&control.Signal{Kind: control.SignalCandidate, Candidate: data})
}
