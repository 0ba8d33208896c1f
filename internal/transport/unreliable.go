package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/streamsock/internal/bufpool"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

// UnreliableSender writes stream-id-prefixed datagrams, optionally
// throttled. Datagrams are atomic, so concurrent Sends need no lock.
type UnreliableSender struct {
	conn    DatagramConn
	limiter *RateLimiter
}

// NewUnreliableSender creates a sender. limiter may be nil.
func NewUnreliableSender(conn DatagramConn, limiter *RateLimiter) *UnreliableSender {
	return &UnreliableSender{conn: conn, limiter: limiter}
}

// Send fills the prefix region buf[:protocol.UnreliablePrefixSize], waits
// for rate-limiter tokens covering the whole datagram, and sends it once.
// There is no retry: a lost datagram stays lost.
func (s *UnreliableSender) Send(ctx context.Context, buf []byte, id protocol.StreamID) error {
	if len(buf) < protocol.UnreliablePrefixSize {
		return fmt.Errorf("%w: buffer has %d bytes", protocol.ErrShortPrefix, len(buf))
	}
	if limit := s.conn.MaxDatagramSize(); len(buf) > limit {
		return fmt.Errorf("%w: %s datagram of %d bytes (max %d)", protocol.ErrDatagramTooLarge, id, len(buf), limit)
	}
	protocol.EncodeUnreliablePrefix(buf, id)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, len(buf)); err != nil {
			return err
		}
	}
	return s.conn.WriteDatagram(buf)
}

// UnreliableReceiver dispatches received datagrams to their streams. It
// is driven by a single goroutine.
type UnreliableReceiver struct {
	conn    DatagramConn
	scratch []byte
	arrival map[protocol.StreamID]uint32
}

// NewUnreliableReceiver creates a receiver for conn.
func NewUnreliableReceiver(conn DatagramConn) *UnreliableReceiver {
	return &UnreliableReceiver{
		conn:    conn,
		scratch: make([]byte, conn.MaxDatagramSize()),
		arrival: make(map[protocol.StreamID]uint32),
	}
}

// Recv reads one datagram and pushes it to its stream's queue. Datagrams
// for unsubscribed streams, runt datagrams, and datagrams that find the
// stream's buffers exhausted are dropped; none of these is an error.
//
// The datagram prefix carries no packet index, so the index of the
// reconstructed packet is a per-stream arrival counter.
func (r *UnreliableReceiver) Recv(pool *bufpool.Pool, timeout time.Duration) error {
	n, err := r.conn.ReadDatagram(r.scratch, timeout)
	if err != nil {
		return err
	}

	id, err := protocol.DecodeUnreliablePrefix(r.scratch[:n])
	if err != nil {
		util.LogDebug("dropped runt datagram (%d bytes)", n)
		return nil
	}
	if _, ok := pool.Lookup(id); !ok {
		util.LogDebug("[%s] dropped datagram for unsubscribed stream", id)
		return nil
	}

	buf, _, err := pool.Acquire(id, n, timeout)
	if err != nil {
		// Consumer is behind; this datagram is lost.
		return err
	}
	copy(buf, r.scratch[:n])

	index := r.arrival[id]
	r.arrival[id] = index + 1

	if !pool.Deliver(id, protocol.ReconstructedPacket{Index: index, Buffer: buf}) {
		pool.Release(id, buf)
	}
	return nil
}
