package transport

import (
	"io"
	"sync"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
)

// timeoutError mimics a net.Error deadline expiry.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptConn replays a fixed sequence of reads. A nil chunk is delivered
// as a read timeout; once the script runs out, reads time out forever or
// return io.EOF if eof is set.
type scriptConn struct {
	chunks [][]byte
	eof    bool
	writes []byte
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, timeoutError{}
	}
	chunk := c.chunks[0]
	if chunk == nil {
		c.chunks = c.chunks[1:]
		return 0, timeoutError{}
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		c.chunks[0] = chunk[n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.writes = append(c.writes, p...)
	return len(p), nil
}

func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }
func (c *scriptConn) Close() error                     { return nil }

// splitBytes cuts data into single-byte chunks separated by timeouts.
func splitBytes(data []byte) [][]byte {
	var chunks [][]byte
	for i := range data {
		chunks = append(chunks, data[i:i+1], nil)
	}
	return chunks
}

// memDatagrams is one end of an in-memory datagram link. drop decides, per
// sent datagram (0-based), whether the link loses it.
type memDatagrams struct {
	in      chan []byte
	out     chan []byte
	maxSize int
	drop    func(seq int) bool

	mu   sync.Mutex
	sent int
}

func memDatagramPair(maxSize int, drop func(seq int) bool) (a, b *memDatagrams) {
	ab := make(chan []byte, 4096)
	ba := make(chan []byte, 4096)
	a = &memDatagrams{in: ba, out: ab, maxSize: maxSize, drop: drop}
	b = &memDatagrams{in: ab, out: ba, maxSize: maxSize, drop: drop}
	return a, b
}

func (m *memDatagrams) WriteDatagram(p []byte) error {
	m.mu.Lock()
	seq := m.sent
	m.sent++
	m.mu.Unlock()

	if m.drop != nil && m.drop(seq) {
		return nil
	}
	m.out <- append([]byte(nil), p...)
	return nil
}

func (m *memDatagrams) ReadDatagram(p []byte, timeout time.Duration) (int, error) {
	select {
	case d := <-m.in:
		return copy(p, d), nil
	case <-time.After(timeout):
		return 0, protocol.ErrTryAgain
	}
}

func (m *memDatagrams) MaxDatagramSize() int { return m.maxSize }
func (m *memDatagrams) Close() error         { return nil }
