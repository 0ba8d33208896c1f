package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/streamsock/internal/discovery"
	"github.com/1ureka/streamsock/internal/identity"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

// ErrUnauthenticated is returned when the peer's signature over our nonce
// does not verify against the public key in its Hello.
var ErrUnauthenticated = errors.New("control: peer failed to prove its identity")

// expect waits for a message of type want. Signal messages are not
// expected during the handshake and are an error like any other.
func expect(ctx context.Context, c *Conn, want MessageType) (*Message, error) {
	msg, err := c.RecvContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", want, err)
	}
	if msg.Type != want {
		return nil, fmt.Errorf("waiting for %s: got %s", want, msg.Type)
	}
	return msg, nil
}

// checkHello validates the peer's Hello against ours.
func checkHello(c *Conn, local *Hello, msg *Message, wantPeer discovery.PeerType) (*Hello, error) {
	remote := msg.Hello
	if remote == nil {
		return nil, fmt.Errorf("hello without body")
	}
	if remote.ProtocolID != local.ProtocolID {
		_ = c.Close("protocol mismatch")
		return nil, fmt.Errorf("%w: peer %s speaks %016x, expected %016x",
			protocol.ErrProtocolMismatch, identity.Fingerprint(remote.PublicKey), remote.ProtocolID, local.ProtocolID)
	}
	if remote.PeerType != wantPeer {
		_ = c.Close("unexpected peer type")
		return nil, fmt.Errorf("peer is a %s, expected a %s", remote.PeerType, wantPeer)
	}
	return remote, nil
}

// ServerHandshake runs the server side of session setup:
//  1. Exchange Hello (server first); the client signs our nonce
//  2. Send the SessionConfig with our signature over the client's nonce
//  3. Wait for the client's Ready, sent once its stream endpoint is bound
func ServerHandshake(ctx context.Context, c *Conn, id *identity.Identity, local Hello, session SessionConfig) (*Hello, error) {
	local.PeerType = discovery.PeerServer
	local.PublicKey = id.PublicKey
	nonce, err := identity.NewNonce()
	if err != nil {
		return nil, err
	}
	local.Nonce = nonce
	if err := c.Send(&Message{Type: MsgHello, Hello: &local}); err != nil {
		return nil, err
	}

	msg, err := expect(ctx, c, MsgHello)
	if err != nil {
		return nil, err
	}
	remote, err := checkHello(c, &local, msg, discovery.PeerClient)
	if err != nil {
		return nil, err
	}
	if !identity.Verify(remote.PublicKey, nonce, remote.Proof) {
		_ = c.Close("authentication failed")
		return nil, fmt.Errorf("%w: client %s", ErrUnauthenticated, identity.Fingerprint(remote.PublicKey))
	}
	util.LogDebug("control: client %s (%s) says hello", remote.Hostname, identity.Fingerprint(remote.PublicKey))

	msg = &Message{Type: MsgSessionConfig, Config: &session, Proof: id.Sign(remote.Nonce)}
	if err := c.Send(msg); err != nil {
		return nil, err
	}
	if _, err := expect(ctx, c, MsgReady); err != nil {
		return nil, err
	}
	return remote, nil
}

// ClientHandshake runs the client side up to receiving the SessionConfig.
// The caller binds its stream endpoint and then calls SendReady.
func ClientHandshake(ctx context.Context, c *Conn, id *identity.Identity, local Hello) (*Hello, *SessionConfig, error) {
	local.PeerType = discovery.PeerClient
	local.PublicKey = id.PublicKey

	msg, err := expect(ctx, c, MsgHello)
	if err != nil {
		return nil, nil, err
	}
	remote, err := checkHello(c, &local, msg, discovery.PeerServer)
	if err != nil {
		return nil, nil, err
	}
	if local.Nonce, err = identity.NewNonce(); err != nil {
		return nil, nil, err
	}
	local.Proof = id.Sign(remote.Nonce)
	if err := c.Send(&Message{Type: MsgHello, Hello: &local}); err != nil {
		return nil, nil, err
	}
	util.LogDebug("control: server %s (%s) says hello", remote.Hostname, identity.Fingerprint(remote.PublicKey))

	msg, err = expect(ctx, c, MsgSessionConfig)
	if err != nil {
		return nil, nil, err
	}
	if msg.Config == nil {
		return nil, nil, fmt.Errorf("session config without body")
	}
	if !identity.Verify(remote.PublicKey, local.Nonce, msg.Proof) {
		_ = c.Close("authentication failed")
		return nil, nil, fmt.Errorf("%w: server %s", ErrUnauthenticated, identity.Fingerprint(remote.PublicKey))
	}
	return remote, msg.Config, nil
}

// SendReady tells the server the client is ready for the stream socket.
func (c *Conn) SendReady() error {
	return c.Send(&Message{Type: MsgReady})
}
