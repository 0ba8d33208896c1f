package transport

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// MaxUDPDatagramSize is the largest UDP payload over IPv4.
const MaxUDPDatagramSize = 65507

// Compile-time interface check.
var _ DatagramConn = (*UDPConn)(nil)

// UDPConn is a UDP socket bound to a local port that exchanges datagrams
// with one fixed peer. Datagrams from any other source are ignored.
type UDPConn struct {
	conn        *net.UDPConn
	peer        netip.AddrPort
	maxDatagram int
}

// NewUDPConn binds localAddr (e.g. ":9944") and talks to peer.
// maxDatagram <= 0 selects MaxUDPDatagramSize.
func NewUDPConn(localAddr string, peer netip.AddrPort, maxDatagram int) (*UDPConn, error) {
	if maxDatagram <= 0 || maxDatagram > MaxUDPDatagramSize {
		maxDatagram = MaxUDPDatagramSize
	}

	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind datagram socket %s: %w", localAddr, err)
	}
	if err := conn.SetReadBuffer(ReceiveBufferSize); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetWriteBuffer(SendBufferSize); err != nil {
		conn.Close()
		return nil, err
	}

	return &UDPConn{
		conn:        conn,
		peer:        netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()),
		maxDatagram: maxDatagram,
	}, nil
}

// LocalAddr returns the bound address.
func (c *UDPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *UDPConn) WriteDatagram(p []byte) error {
	_, err := c.conn.WriteToUDPAddrPort(p, c.peer)
	return classify(err)
}

func (c *UDPConn) ReadDatagram(p []byte, timeout time.Duration) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, classify(err)
	}
	for {
		n, src, err := c.conn.ReadFromUDPAddrPort(p)
		if err != nil {
			return 0, classify(err)
		}
		if src.Addr().Unmap() == c.peer.Addr() && src.Port() == c.peer.Port() {
			return n, nil
		}
		// Foreign source; keep waiting until the deadline.
	}
}

func (c *UDPConn) MaxDatagramSize() int {
	return c.maxDatagram
}

func (c *UDPConn) Close() error {
	return c.conn.Close()
}
