package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/1ureka/streamsock/internal/identity"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

// BroadcastAddr is the limited broadcast address on port.
func BroadcastAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), port)
}

// Broadcaster periodically announces this peer.
type Broadcaster struct {
	conn   *net.UDPConn
	dest   netip.AddrPort
	packet []byte
}

// NewBroadcaster prepares to send packet to dest, usually BroadcastAddr.
func NewBroadcaster(dest netip.AddrPort, packet Packet) (*Broadcaster, error) {
	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open discovery broadcaster: %w", err)
	}
	return &Broadcaster{conn: pc.(*net.UDPConn), dest: dest, packet: packet.Encode()}, nil
}

// Broadcast sends the packet once.
func (b *Broadcaster) Broadcast() error {
	_, err := b.conn.WriteToUDPAddrPort(b.packet, b.dest)
	return err
}

func (b *Broadcaster) Close() error { return b.conn.Close() }

// Peer is a compatible peer seen on the network.
type Peer struct {
	Addr       netip.Addr
	ProtocolID uint64
	PeerType   PeerType
	PublicKey  []byte
}

const recvGrace = time.Millisecond

// Listener receives discovery packets on the discovery port.
type Listener struct {
	conn       *net.UDPConn
	protocolID uint64
	buf        []byte
}

// Listen binds the discovery port with address reuse, so a server and a
// client on one machine can share it.
func Listen(port uint16, protocolID uint64) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen discovery port %d: %w", port, err)
	}
	return &Listener{conn: pc.(*net.UDPConn), protocolID: protocolID, buf: make([]byte, maxPacketSize+1)}, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// RecvNonBlocking returns the next compatible peer if a packet is already
// waiting. It returns protocol.ErrTryAgain when nothing is pending and
// also for foreign or incompatible packets, which are skipped.
func (l *Listener) RecvNonBlocking() (Peer, error) {
	// A deadline already in the past fails before reading, so allow a
	// moment for a queued datagram to be picked up.
	if err := l.conn.SetReadDeadline(time.Now().Add(recvGrace)); err != nil {
		return Peer{}, err
	}
	n, src, err := l.conn.ReadFromUDPAddrPort(l.buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Peer{}, protocol.ErrTryAgain
		}
		return Peer{}, err
	}

	pkt, err := DecodePacket(l.buf[:n])
	if err != nil {
		util.LogDebug("discovery: ignored %d bytes from %s: %v", n, src, err)
		return Peer{}, protocol.ErrTryAgain
	}
	if pkt.ProtocolID != l.protocolID {
		util.LogWarning("discovery: peer %s (%s) speaks protocol %016x, expected %016x",
			src.Addr(), identity.Fingerprint(pkt.PublicKey), pkt.ProtocolID, l.protocolID)
		return Peer{}, protocol.ErrTryAgain
	}

	return Peer{
		Addr:       src.Addr().Unmap(),
		ProtocolID: pkt.ProtocolID,
		PeerType:   pkt.PeerType,
		PublicKey:  pkt.PublicKey,
	}, nil
}

func (l *Listener) Close() error { return l.conn.Close() }
