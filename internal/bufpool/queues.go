package bufpool

import (
	"sync"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
)

// Queues is the receive side of one subscribed stream: a channel of used
// (empty, reusable) buffers flowing back from the consumer, and a channel
// of completed packets flowing from the transport to the consumer.
//
// At most cap(used) buffers exist for the stream, so at most that many
// packets can be queued; a consumer that stops returning buffers stalls
// the transport instead of growing memory.
type Queues struct {
	id      protocol.StreamID
	used    chan []byte
	packets chan protocol.ReconstructedPacket

	done      chan struct{}
	closeOnce sync.Once
}

func newQueues(id protocol.StreamID, buffers, bufSize int) *Queues {
	q := &Queues{
		id:      id,
		used:    make(chan []byte, buffers),
		packets: make(chan protocol.ReconstructedPacket, buffers),
		done:    make(chan struct{}),
	}
	for range buffers {
		q.used <- make([]byte, 0, bufSize)
	}
	return q
}

// ID returns the stream this queue pair belongs to.
func (q *Queues) ID() protocol.StreamID { return q.id }

// Done is closed when the stream is unregistered or the pool is closed.
func (q *Queues) Done() <-chan struct{} { return q.done }

// acquire pops a used buffer, waiting up to timeout. grown reports whether
// the buffer had to be reallocated to fit size.
func (q *Queues) acquire(size int, timeout time.Duration) (buf []byte, grown bool, err error) {
	select {
	case buf = <-q.used:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case buf = <-q.used:
		case <-timer.C:
			return nil, false, protocol.ErrTryAgain
		case <-q.done:
			return nil, false, protocol.ErrDisconnected
		}
	}

	if cap(buf) < size {
		return make([]byte, size), true, nil
	}
	return buf[:size], false, nil
}

// Release hands a buffer back for reuse. Buffers returned after the
// stream is closed are dropped.
func (q *Queues) Release(buf []byte) {
	if buf == nil {
		return
	}
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.used <- buf[:0]:
	default:
		// More buffers than were handed out; let the GC have it.
	}
}

// Push enqueues a completed packet for the consumer. It never blocks: the
// packet channel holds as many entries as there are buffers.
func (q *Queues) Push(pkt protocol.ReconstructedPacket) bool {
	select {
	case q.packets <- pkt:
		return true
	case <-q.done:
		return false
	default:
		return false
	}
}

// Pop waits up to timeout for the next completed packet. It returns
// ErrTryAgain on timeout and ErrDisconnected once the queue is closed and
// drained.
func (q *Queues) Pop(timeout time.Duration) (protocol.ReconstructedPacket, error) {
	select {
	case pkt := <-q.packets:
		return pkt, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt := <-q.packets:
		return pkt, nil
	case <-timer.C:
		return protocol.ReconstructedPacket{}, protocol.ErrTryAgain
	case <-q.done:
		return protocol.ReconstructedPacket{}, protocol.ErrDisconnected
	}
}

func (q *Queues) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
