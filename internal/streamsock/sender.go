package streamsock

import (
	"bytes"
	"fmt"

	"github.com/1ureka/streamsock/internal/codec"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

// Sender sends packets of header type T on one stream.
type Sender[T any] struct {
	socket   *StreamSocket
	id       protocol.StreamID
	delivery protocol.Delivery
	next     *indexGen
	counters *util.StreamCounters
}

// RequestStream returns a sender for stream id. Several senders may exist
// for one stream; they draw from the same packet index sequence.
func RequestStream[T any](s *StreamSocket, id protocol.StreamID) *Sender[T] {
	return &Sender[T]{
		socket:   s,
		id:       id,
		delivery: s.Delivery(id),
		next:     s.indexGen(id),
		counters: s.stats.Stream(id),
	}
}

// ID returns the stream this sender writes to.
func (s *Sender[T]) ID() protocol.StreamID { return s.id }

// MaxPacketSize is the largest encoded header plus payload one Send
// accepts on this stream.
func (s *Sender[T]) MaxPacketSize() int {
	if s.delivery == protocol.Unreliable {
		return s.socket.conns.Unreliable.MaxDatagramSize() - protocol.UnreliablePrefixSize
	}
	return int(s.socket.cfg.MaxPayloadSize)
}

// NewBuffer encodes header into a fresh buffer with room for
// preferredPayloadSize payload bytes after it. The buffer can be filled
// through its payload view and reused with Reset.
func (s *Sender[T]) NewBuffer(header T, preferredPayloadSize int) (*SenderBuffer[T], error) {
	offset := s.delivery.PayloadOffset()
	b := &SenderBuffer[T]{offset: offset}
	if err := codec.MarshalToBuffer(&b.enc, header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	b.data = make([]byte, offset, offset+b.enc.Len()+max(preferredPayloadSize, 0))
	b.data = append(b.data, b.enc.Bytes()...)
	b.payloadStart = len(b.data)
	return b, nil
}

// Send transmits the buffer. On the unreliable path the call waits for
// rate-limiter tokens and the datagram may be lost; on the reliable path
// an error means the connection is unusable.
func (s *Sender[T]) Send(b *SenderBuffer[T]) error {
	if b.offset != s.delivery.PayloadOffset() {
		return fmt.Errorf("stream %s: buffer was built for another delivery", s.id)
	}

	var err error
	if s.delivery == protocol.Unreliable {
		err = s.socket.unreliableSend.Send(s.socket.ctx, b.data, s.id)
		s.next.Next()
	} else {
		err = s.socket.reliableSend.Send(b.data, s.id, s.next.Next())
	}
	if err != nil {
		return err
	}
	s.counters.AddSent(len(b.data))
	return nil
}

// SendHeader encodes header and payload into a new buffer and sends it.
// The payload is copied once; use NewBuffer and Send on hot paths.
func (s *Sender[T]) SendHeader(header T, payload []byte) error {
	b, err := s.NewBuffer(header, len(payload))
	if err != nil {
		return err
	}
	b.Write(payload)
	return s.Send(b)
}

// SenderBuffer holds one outgoing packet laid out as
// [wire prefix | encoded header | payload].
type SenderBuffer[T any] struct {
	offset       int // wire prefix size
	payloadStart int
	data         []byte
	reserved     int

	enc bytes.Buffer // header encoding scratch, reused by Reset
}

// Reset encodes a new header and empties the payload, keeping the
// allocated capacity.
func (b *SenderBuffer[T]) Reset(header T) error {
	b.enc.Reset()
	if err := codec.MarshalToBuffer(&b.enc, header); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	b.data = append(b.data[:b.offset], b.enc.Bytes()...)
	b.payloadStart = len(b.data)
	b.reserved = 0
	return nil
}

// Payload returns the payload bytes written so far. The slice aliases the
// buffer.
func (b *SenderBuffer[T]) Payload() []byte { return b.data[b.payloadStart:] }

// Len returns the payload length.
func (b *SenderBuffer[T]) Len() int { return len(b.data) - b.payloadStart }

// Write appends p to the payload. It never fails.
func (b *SenderBuffer[T]) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	b.reserved = 0
	return len(p), nil
}

// SetPayloadLen truncates or zero-extends the payload to n bytes.
func (b *SenderBuffer[T]) SetPayloadLen(n int) {
	end := b.payloadStart + max(n, 0)
	if end <= cap(b.data) {
		old := len(b.data)
		b.data = b.data[:end]
		if end > old {
			clear(b.data[old:end])
		}
	} else {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	b.reserved = 0
}

// Reserve returns n writable bytes after the current payload without
// extending it. Commit makes some or all of them part of the payload.
func (b *SenderBuffer[T]) Reserve(n int) []byte {
	if free := cap(b.data) - len(b.data); free < n {
		grown := make([]byte, len(b.data), len(b.data)+n)
		copy(grown, b.data)
		b.data = grown
	}
	b.reserved = n
	return b.data[len(b.data) : len(b.data)+n]
}

// Commit appends n bytes previously returned by Reserve to the payload.
func (b *SenderBuffer[T]) Commit(n int) {
	if n < 0 || n > b.reserved {
		panic(fmt.Sprintf("streamsock: commit of %d bytes exceeds reservation of %d", n, b.reserved))
	}
	b.data = b.data[:len(b.data)+n]
	b.reserved = 0
}
