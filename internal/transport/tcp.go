package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Socket buffer sizes requested for stream-socket connections.
const (
	SendBufferSize    = 4 * 1024 * 1024
	ReceiveBufferSize = 4 * 1024 * 1024
)

// Compile-time interface check.
var _ StreamConn = (*net.TCPConn)(nil)

// DialTCP connects to addr and tunes the connection for frame traffic.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*net.TCPConn, error) {
	conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial stream socket %s: %w", addr, err)
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tuneTCP(tcpConn); err != nil {
		tcpConn.Close()
		return nil, err
	}
	return tcpConn, nil
}

// ListenTCP listens for the stream socket on addr (":0" for any port).
func ListenTCP(addr string) (*net.TCPListener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen stream socket %s: %w", addr, err)
	}
	return listener, nil
}

// AcceptTCP waits for one connection on listener or until ctx is done.
// The listener is left open.
func AcceptTCP(ctx context.Context, listener *net.TCPListener) (*net.TCPConn, error) {
	for {
		if err := listener.SetDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return nil, err
		}
		conn, err := listener.AcceptTCP()
		if err == nil {
			if err := tuneTCP(conn); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("accept stream socket: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

func tuneTCP(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetReadBuffer(ReceiveBufferSize); err != nil {
		return err
	}
	return conn.SetWriteBuffer(SendBufferSize)
}
