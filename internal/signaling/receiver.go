package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/streamsock/internal/control"
	"github.com/1ureka/streamsock/internal/util"
)

// receiver applies signaling messages from the control socket to the
// PeerConnection.
type receiver struct {
	pc     *webrtc.PeerConnection
	conn   *control.Conn
	sender *sender

	// Candidates that arrived before the remote description.
	pending []webrtc.ICECandidateInit
}

// watch handles signaling messages until ctx is done or the control
// socket fails.
func (r *receiver) watch(ctx context.Context) error {
	for {
		msg, err := r.conn.RecvContext(ctx)
		if err != nil {
			return fmt.Errorf("read control socket: %w", err)
		}
		if msg.Type != control.MsgSignal || msg.Signal == nil {
			util.LogDebug("signaling: ignored %s message", msg.Type)
			continue
		}

		switch sig := msg.Signal; sig.Kind {
		case control.SignalOffer:
			if err := r.setRemote(webrtc.SDPTypeOffer, sig.SDP); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case control.SignalAnswer:
			if err := r.setRemote(webrtc.SDPTypeAnswer, sig.SDP); err != nil {
				return err
			}

		case control.SignalCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal(sig.Candidate, &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if r.pc.RemoteDescription() == nil {
				r.pending = append(r.pending, init)
				continue
			}
			if err := r.pc.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}

func (r *receiver) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	for _, init := range r.pending {
		if err := r.pc.AddICECandidate(init); err != nil {
			return err
		}
	}
	r.pending = nil
	return nil
}
