// Package signaling performs the SDP/ICE exchange of the WebRTC binding
// over an established control socket. Callers receive a ready-to-use
// datagram channel.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/streamsock/internal/control"
	rtc "github.com/1ureka/streamsock/internal/webrtc"
	"github.com/1ureka/streamsock/internal/util"
)

// Session is an open WebRTC datagram channel together with the
// PeerConnection that carries it. It satisfies transport.DatagramConn.
type Session struct {
	*rtc.DatagramChannel
	pc *webrtc.PeerConnection
}

// Close closes the channel and the PeerConnection.
func (s *Session) Close() error {
	return errors.Join(s.DatagramChannel.Close(), s.pc.Close())
}

// Offer executes the server-side signaling flow:
//  1. Create a PeerConnection and the negotiated datagram channel
//  2. Send the Offer and trickle ICE candidates over the control socket
//  3. Apply the Answer and the client's candidates
//  4. Return once the channel is open
func Offer(ctx context.Context, conn *control.Conn, stunServers []string) (*Session, error) {
	return establish(ctx, conn, stunServers, true)
}

// Answer executes the client-side signaling flow: wait for the Offer,
// reply with an Answer, exchange candidates, return once the channel is
// open.
func Answer(ctx context.Context, conn *control.Conn, stunServers []string) (*Session, error) {
	return establish(ctx, conn, stunServers, false)
}

func establish(ctx context.Context, conn *control.Conn, stunServers []string, offerer bool) (*Session, error) {
	pc, err := rtc.NewPeerConnection(stunServers)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	channel, err := rtc.CreateDatagramChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create datagram channel: %w", err)
	}

	// Assemble sender and receiver.
	s := &sender{pc: pc, conn: conn}
	r := &receiver{pc: pc, conn: conn, sender: s}

	// Trickle ICE candidates.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		// Best effort: a lost candidate only narrows the options.
		if err := s.sendCandidate(c.ToJSON()); err != nil {
			util.LogDebug("signaling: send candidate: %v", err)
		}
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch(watchCtx)
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			pc.Close()
			return nil, fmt.Errorf("send offer: %w", err)
		}
	}

	select {
	case <-channel.Opened():
		util.LogDebug("signaling: datagram channel open")
		return &Session{DatagramChannel: channel, pc: pc}, nil

	case err := <-errCh:
		pc.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}
