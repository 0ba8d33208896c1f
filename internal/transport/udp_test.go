package transport

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/1ureka/streamsock/internal/protocol"
)

func TestUDPConnLoopback(t *testing.T) {
	a, err := NewUDPConn("127.0.0.1:0", netip.AddrPort{}, 0)
	if err != nil {
		t.Fatalf("NewUDPConn: %v", err)
	}
	defer a.Close()
	b, err := NewUDPConn("127.0.0.1:0", netip.AddrPort{}, 0)
	if err != nil {
		t.Fatalf("NewUDPConn: %v", err)
	}
	defer b.Close()

	a.peer = a2p(t, b.LocalAddr())
	b.peer = a2p(t, a.LocalAddr())

	if got := a.MaxDatagramSize(); got != MaxUDPDatagramSize {
		t.Errorf("MaxDatagramSize: got %d", got)
	}

	if err := a.WriteDatagram([]byte("ping")); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}
	buf := make([]byte, 64)
	n, err := b.ReadDatagram(buf, testTimeout*50)
	if err != nil {
		t.Fatalf("ReadDatagram: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q", buf[:n])
	}

	if _, err := b.ReadDatagram(buf, testTimeout); !errors.Is(err, protocol.ErrTryAgain) {
		t.Errorf("expected ErrTryAgain on idle socket, got %v", err)
	}
}

func a2p(t *testing.T, addr net.Addr) netip.AddrPort {
	t.Helper()
	return addr.(*net.UDPAddr).AddrPort()
}
