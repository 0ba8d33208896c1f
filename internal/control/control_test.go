package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/streamsock/internal/discovery"
	"github.com/1ureka/streamsock/internal/identity"
	"github.com/1ureka/streamsock/internal/protocol"
)

// connPair returns a server-side (dialed) and client-side (accepted)
// control connection over loopback.
func connPair(t *testing.T) (server, client *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listener, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	server, err = Dial(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client, err = listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() {
		server.Close("")
		client.Close("")
	})
	return server, client
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestHandshake(t *testing.T) {
	server, client := connPair(t)
	serverID, clientID := newIdentity(t), newIdentity(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session := SessionConfig{
		Transport:      "quic",
		StreamPort:     9944,
		Policy:         map[protocol.StreamID]protocol.Delivery{protocol.StreamVideo: protocol.Unreliable, protocol.StreamStatistics: protocol.Reliable},
		MaxPayloadSize: protocol.DefaultMaxPayloadSize,
		RateLimit:      true,
		VideoBitrate:   30_000_000,
	}

	type result struct {
		hello *Hello
		err   error
	}
	serverDone := make(chan result, 1)
	go func() {
		hello, err := ServerHandshake(ctx, server, serverID, Hello{ProtocolID: 7, Hostname: "server"}, session)
		serverDone <- result{hello, err}
	}()

	serverHello, got, err := ClientHandshake(ctx, client, clientID, Hello{ProtocolID: 7, Hostname: "headset"})
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if serverHello.Hostname != "server" || identity.Fingerprint(serverHello.PublicKey) != serverID.Fingerprint() {
		t.Errorf("server hello: %+v", serverHello)
	}
	if got.Transport != "quic" || got.StreamPort != 9944 || !got.RateLimit {
		t.Errorf("session config: %+v", got)
	}
	if got.Policy[protocol.StreamVideo] != protocol.Unreliable || got.Policy[protocol.StreamStatistics] != protocol.Reliable {
		t.Errorf("policy: %v", got.Policy)
	}

	if err := client.SendReady(); err != nil {
		t.Fatalf("SendReady: %v", err)
	}
	res := <-serverDone
	if res.err != nil {
		t.Fatalf("ServerHandshake: %v", res.err)
	}
	if res.hello.Hostname != "headset" {
		t.Errorf("client hello: %+v", res.hello)
	}
}

func TestHandshakeProtocolMismatch(t *testing.T) {
	server, client := connPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go ServerHandshake(ctx, server, newIdentity(t), Hello{ProtocolID: 1}, SessionConfig{})

	_, _, err := ClientHandshake(ctx, client, newIdentity(t), Hello{ProtocolID: 2})
	if !errors.Is(err, protocol.ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

// TestHandshakeRejectsBadProof plays a client that claims a key it cannot
// sign with.
func TestHandshakeRejectsBadProof(t *testing.T) {
	server, client := connPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverID := newIdentity(t)
	serverDone := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(ctx, server, serverID, Hello{ProtocolID: 7}, SessionConfig{})
		serverDone <- err
	}()

	msg, err := client.RecvContext(ctx)
	if err != nil || msg.Type != MsgHello {
		t.Fatalf("expected server hello, got %v %v", msg, err)
	}
	claimed, impostor := newIdentity(t), newIdentity(t)
	forged := &Hello{
		ProtocolID: 7,
		PeerType:   discovery.PeerClient,
		PublicKey:  claimed.PublicKey,
		Nonce:      make([]byte, identity.NonceSize),
		Proof:      impostor.Sign(msg.Hello.Nonce),
	}
	if err := client.Send(&Message{Type: MsgHello, Hello: forged}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := <-serverDone; !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRecvTimeoutAndClose(t *testing.T) {
	server, client := connPair(t)

	if _, err := client.Recv(20 * time.Millisecond); !errors.Is(err, protocol.ErrTryAgain) {
		t.Fatalf("expected ErrTryAgain, got %v", err)
	}

	if err := server.Send(&Message{Type: MsgSignal, Signal: &Signal{Kind: SignalOffer, SDP: "v=0"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := client.Recv(time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Type != MsgSignal || msg.Signal.Kind != SignalOffer || msg.Signal.SDP != "v=0" {
		t.Errorf("got %+v", msg)
	}

	server.Close("shutting down")

	var closed *ClosedError
	_, err = client.Recv(time.Second)
	if !errors.As(err, &closed) || closed.Reason != "shutting down" {
		t.Fatalf("expected ClosedError, got %v", err)
	}
	if !errors.Is(err, protocol.ErrDisconnected) {
		t.Error("ClosedError should match ErrDisconnected")
	}
}
