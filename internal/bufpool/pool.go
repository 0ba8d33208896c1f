// Package bufpool recycles receive buffers between the transports and the
// per-stream consumers, so the receive hot path does not allocate.
package bufpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
)

// Pool is the stream id → Queues registry of one connection.
//
// The map lock is taken for writing only on Register/Unregister/Close;
// the hot path takes the read lock for the lookup and then works on the
// stream's own channels.
type Pool struct {
	mu      sync.RWMutex
	streams map[protocol.StreamID]*Queues
	closed  bool

	allocations atomic.Int64
}

// New creates an empty registry.
func New() *Pool {
	return &Pool{streams: make(map[protocol.StreamID]*Queues)}
}

// Register creates the queue pair for a stream, pre-allocating buffers of
// bufSize capacity.
func (p *Pool) Register(id protocol.StreamID, buffers, bufSize int) (*Queues, error) {
	if buffers < 1 {
		return nil, fmt.Errorf("stream %s: need at least one buffer, got %d", id, buffers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, protocol.ErrDisconnected
	}
	if _, exists := p.streams[id]; exists {
		return nil, fmt.Errorf("stream %s already subscribed", id)
	}

	q := newQueues(id, buffers, bufSize)
	p.streams[id] = q
	return q, nil
}

// Unregister removes a stream. Pending and future packets for it are
// handled as for an unknown stream.
func (p *Pool) Unregister(id protocol.StreamID) {
	p.mu.Lock()
	q, ok := p.streams[id]
	delete(p.streams, id)
	p.mu.Unlock()

	if ok {
		q.close()
	}
}

// Lookup returns the queues of a subscribed stream.
func (p *Pool) Lookup(id protocol.StreamID) (*Queues, bool) {
	p.mu.RLock()
	q, ok := p.streams[id]
	p.mu.RUnlock()
	return q, ok
}

// Acquire returns a buffer of length size for the next packet of stream
// id, blocking up to timeout for the consumer to return one. It reports
// ErrTryAgain when none came back in time.
//
// For a stream nobody subscribed to, a fresh throwaway buffer is returned
// with known == false; the caller drops it after use.
func (p *Pool) Acquire(id protocol.StreamID, size int, timeout time.Duration) (buf []byte, known bool, err error) {
	q, ok := p.Lookup(id)
	if !ok {
		p.allocations.Add(1)
		return make([]byte, size), false, nil
	}

	buf, grown, err := q.acquire(size, timeout)
	if errors.Is(err, protocol.ErrDisconnected) && !p.isClosed() {
		// Unsubscribed while waiting; the frame still has to be read.
		p.allocations.Add(1)
		return make([]byte, size), false, nil
	}
	if err != nil {
		return nil, true, err
	}
	if grown {
		p.allocations.Add(1)
	}
	return buf, true, nil
}

// Release returns a buffer to stream id's used queue. Buffers of unknown
// streams are dropped.
func (p *Pool) Release(id protocol.StreamID, buf []byte) {
	if q, ok := p.Lookup(id); ok {
		q.Release(buf)
	}
}

// Deliver pushes a completed packet to stream id's consumer. It returns
// false when nobody is subscribed, in which case the buffer is dropped.
func (p *Pool) Deliver(id protocol.StreamID, pkt protocol.ReconstructedPacket) bool {
	q, ok := p.Lookup(id)
	if !ok {
		return false
	}
	return q.Push(pkt)
}

// Allocations counts buffers allocated after registration: throwaway
// buffers for unknown streams plus reallocations of undersized buffers.
func (p *Pool) Allocations() int64 {
	return p.allocations.Load()
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close tears down every stream, releasing blocked Acquire and Pop calls
// with ErrDisconnected.
func (p *Pool) Close() {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[protocol.StreamID]*Queues)
	p.closed = true
	p.mu.Unlock()

	for _, q := range streams {
		q.close()
	}
}
