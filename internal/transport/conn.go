package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
)

// StreamConn is an ordered byte stream. *net.TCPConn and *quic.Stream
// satisfy it.
type StreamConn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DatagramConn is a connected, message-oriented socket. Each
// WriteDatagram is delivered whole or not at all.
type DatagramConn interface {
	// WriteDatagram sends p as one datagram.
	WriteDatagram(p []byte) error

	// ReadDatagram reads one datagram into p, waiting at most timeout.
	// It returns protocol.ErrTryAgain when nothing arrived in time.
	ReadDatagram(p []byte, timeout time.Duration) (int, error)

	// MaxDatagramSize is the largest datagram WriteDatagram accepts.
	MaxDatagramSize() int

	Close() error
}

// isTimeout reports whether err is a deadline expiry rather than a real
// failure.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify maps an I/O error to the transport error taxonomy: timeouts
// become ErrTryAgain, a closed peer becomes ErrDisconnected, anything else
// is returned as is (fatal).
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return protocol.ErrTryAgain
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)
	default:
		return err
	}
}
