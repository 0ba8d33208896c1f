package transport

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/streamsock/internal/bufpool"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

const readerBufferSize = 64 * 1024

// ReliableSender writes frames to a StreamConn. All writes on one
// connection go through the same mutex so frames never interleave.
type ReliableSender struct {
	mu           sync.Mutex
	conn         StreamConn
	writeTimeout time.Duration
}

// NewReliableSender creates a sender. A zero writeTimeout means writes may
// block for as long as the connection does.
func NewReliableSender(conn StreamConn, writeTimeout time.Duration) *ReliableSender {
	return &ReliableSender{conn: conn, writeTimeout: writeTimeout}
}

// Send fills the prefix region buf[:protocol.ReliablePrefixSize] and writes
// the whole frame with a single write. The payload size is everything
// after the prefix. A returned error means the connection is dead.
func (s *ReliableSender) Send(buf []byte, id protocol.StreamID, index uint32) error {
	if len(buf) < protocol.ReliablePrefixSize {
		return fmt.Errorf("%w: buffer has %d bytes", protocol.ErrShortPrefix, len(buf))
	}
	protocol.EncodeReliablePrefix(buf, id, index, uint32(len(buf)-protocol.ReliablePrefixSize))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return classify(err)
		}
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", id, classify(err))
	}
	return nil
}

// inProgressPacket is a frame whose prefix has been consumed but whose
// payload is not complete yet.
type inProgressPacket struct {
	active   bool
	known    bool
	streamID protocol.StreamID
	index    uint32
	buf      []byte
	cursor   int
}

// ReliableReceiver reassembles frames from a StreamConn. It is driven by a
// single goroutine.
//
// States: with no packet in progress, the prefix is peeked without being
// consumed; only once a buffer for the stream has been acquired is the
// frame read, possibly across many Recv calls, until cursor reaches the
// frame size. The completed buffer (prefix included) is pushed to the
// stream's queue.
type ReliableReceiver struct {
	conn       StreamConn
	reader     *bufio.Reader
	maxPayload uint32
	inProgress inProgressPacket
}

// NewReliableReceiver creates a receiver that rejects frames advertising
// more than maxPayload payload bytes.
func NewReliableReceiver(conn StreamConn, maxPayload uint32) *ReliableReceiver {
	if maxPayload == 0 {
		maxPayload = protocol.DefaultMaxPayloadSize
	}
	return &ReliableReceiver{
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, readerBufferSize),
		maxPayload: maxPayload,
	}
}

// Recv makes progress on the next frame, waiting at most timeout for data
// or for a free buffer. It returns nil once a frame was completed,
// protocol.ErrTryAgain if it must be called again, or a fatal error.
//
// A frame for a stream nobody subscribed to is still read in full so the
// byte stream stays aligned, then dropped.
func (r *ReliableReceiver) Recv(pool *bufpool.Pool, timeout time.Duration) error {
	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return classify(err)
	}

	if !r.inProgress.active {
		prefix, err := r.reader.Peek(protocol.ReliablePrefixSize)
		if err != nil {
			return classify(err)
		}

		id, index, size, err := protocol.DecodeReliablePrefix(prefix)
		if err != nil {
			return err
		}
		if size > r.maxPayload {
			return fmt.Errorf("%w: stream %s advertised %d bytes (max %d)", protocol.ErrFrameTooLarge, id, size, r.maxPayload)
		}

		buf, known, err := pool.Acquire(id, protocol.ReliablePrefixSize+int(size), timeout)
		if err != nil {
			// Prefix is still unread; the next call peeks it again.
			return err
		}
		r.inProgress = inProgressPacket{
			active:   true,
			known:    known,
			streamID: id,
			index:    index,
			buf:      buf,
		}
	}

	p := &r.inProgress
	for p.cursor < len(p.buf) {
		n, err := r.reader.Read(p.buf[p.cursor:])
		p.cursor += n
		if err != nil {
			return classify(err)
		}
	}

	id, pkt, known := p.streamID, protocol.ReconstructedPacket{Index: p.index, Buffer: p.buf}, p.known
	r.inProgress = inProgressPacket{}

	if !known {
		util.LogDebug("[%s] dropped %d-byte frame for unsubscribed stream", id, len(pkt.Buffer))
		return nil
	}
	if !pool.Deliver(id, pkt) {
		pool.Release(id, pkt.Buffer)
	}
	return nil
}
