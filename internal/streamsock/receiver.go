package streamsock

import (
	"fmt"
	"time"

	"github.com/1ureka/streamsock/internal/bufpool"
	"github.com/1ureka/streamsock/internal/codec"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

// HeaderError reports a packet whose header could not be decoded. The
// packet is dropped; the stream stays usable.
type HeaderError struct {
	Stream protocol.StreamID
	Index  uint32
	Err    error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("stream %s packet %d: malformed header: %v", e.Stream, e.Index, e.Err)
}

func (e *HeaderError) Unwrap() error { return e.Err }

// Received is one decoded packet. Payload aliases a pooled receive buffer
// and is valid only until the next Recv on the same Receiver.
type Received[T any] struct {
	Index   uint32
	Header  T
	Payload []byte
}

// Receiver receives packets of header type T from one stream. A Receiver
// is used by a single goroutine.
type Receiver[T any] struct {
	socket   *StreamSocket
	id       protocol.StreamID
	offset   int
	queues   *bufpool.Queues
	held     []byte
	tracker  lossTracker
	counters *util.StreamCounters
}

// SubscribeToStream registers a receiver for stream id. Packets for the
// stream that arrived before the subscription are dropped. A stream has
// at most one receiver.
func SubscribeToStream[T any](s *StreamSocket, id protocol.StreamID) (*Receiver[T], error) {
	queues, err := s.pool.Register(id, s.cfg.Buffers, s.cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	return &Receiver[T]{
		socket:   s,
		id:       id,
		offset:   s.Delivery(id).PayloadOffset(),
		queues:   queues,
		counters: s.stats.Stream(id),
	}, nil
}

// ID returns the stream this receiver reads from.
func (r *Receiver[T]) ID() protocol.StreamID { return r.id }

// Recv waits up to timeout for the next packet. It returns
// protocol.ErrTryAgain when none arrived, protocol.ErrDisconnected once the
// socket is gone, and a *HeaderError for an undecodable packet.
//
// The buffer behind the previous Received.Payload is returned to the pool
// on entry.
func (r *Receiver[T]) Recv(timeout time.Duration) (Received[T], error) {
	r.release()

	pkt, err := r.queues.Pop(timeout)
	if err != nil {
		return Received[T]{}, err
	}
	if len(pkt.Buffer) < r.offset {
		r.queues.Release(pkt.Buffer)
		return Received[T]{}, &HeaderError{Stream: r.id, Index: pkt.Index, Err: protocol.ErrShortPrefix}
	}

	var header T
	payload, err := codec.UnmarshalFirst(pkt.Buffer[r.offset:], &header)
	if err != nil {
		r.queues.Release(pkt.Buffer)
		return Received[T]{}, &HeaderError{Stream: r.id, Index: pkt.Index, Err: err}
	}

	r.held = pkt.Buffer
	r.counters.AddRecv(len(pkt.Buffer))
	if r.offset == protocol.ReliablePrefixSize {
		if gap := r.tracker.observe(pkt.Index); gap > 0 {
			r.counters.AddLost(int(gap))
		}
	}
	return Received[T]{Index: pkt.Index, Header: header, Payload: payload}, nil
}

// Lost returns the number of packet indexes skipped on a reliable stream.
// Unreliable streams carry no index on the wire and always report zero;
// their loss is detected from header fields.
func (r *Receiver[T]) Lost() uint64 { return r.tracker.total() }

// Close unsubscribes the stream. Later packets for it are dropped.
func (r *Receiver[T]) Close() {
	r.release()
	r.socket.pool.Unregister(r.id)
}

func (r *Receiver[T]) release() {
	if r.held != nil {
		r.queues.Release(r.held)
		r.held = nil
	}
}
