// Package streamsock multiplexes typed streams over one reliable byte
// stream and one optional datagram socket.
//
// Each stream has a Sender on one peer and a Receiver on the other. A
// sender serializes a header of type T followed by a raw payload into a
// buffer that already reserves room for the wire prefix, so the payload is
// never copied again before the socket write. On the receive side, the
// transports reconstruct packets into buffers owned by the stream's pool
// and the Receiver decodes the header in place.
package streamsock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/streamsock/internal/bufpool"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/transport"
	"github.com/1ureka/streamsock/internal/util"
)

// Defaults for Config fields left zero.
const (
	DefaultBuffers      = 16
	DefaultBufferSize   = 16 * 1024
	DefaultPollTimeout  = 100 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second
)

// DefaultPolicy routes the latency-sensitive media and input streams over
// the unreliable path and statistics over the reliable one.
func DefaultPolicy() map[protocol.StreamID]protocol.Delivery {
	return map[protocol.StreamID]protocol.Delivery{
		protocol.StreamVideo:      protocol.Unreliable,
		protocol.StreamAudio:      protocol.Unreliable,
		protocol.StreamTracking:   protocol.Unreliable,
		protocol.StreamHaptics:    protocol.Unreliable,
		protocol.StreamStatistics: protocol.Reliable,
	}
}

// Config tunes a StreamSocket. Both peers must use the same Policy.
type Config struct {
	// Policy selects the delivery of each stream. Streams absent from the
	// map are reliable.
	Policy map[protocol.StreamID]protocol.Delivery

	// Buffers is the number of receive buffers per subscribed stream, and
	// so the most packets that can wait for the consumer.
	Buffers int

	// BufferSize is the initial capacity of each receive buffer.
	BufferSize int

	// PollTimeout bounds each wait of the receive loop for data or for a
	// free buffer.
	PollTimeout time.Duration

	// WriteTimeout bounds a reliable write. Zero means no bound.
	WriteTimeout time.Duration

	// MaxPayloadSize is the largest reliable payload accepted from the
	// peer. Larger announcements are fatal.
	MaxPayloadSize uint32

	// Limiter throttles the unreliable path. Nil means unthrottled.
	Limiter *transport.RateLimiter
}

func (c Config) withDefaults() Config {
	if c.Policy == nil {
		c.Policy = DefaultPolicy()
	}
	if c.Buffers <= 0 {
		c.Buffers = DefaultBuffers
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = protocol.DefaultMaxPayloadSize
	}
	return c
}

// Conns are the connections a StreamSocket runs on. Unreliable may be nil,
// in which case every stream is delivered reliably.
type Conns struct {
	Reliable   transport.StreamConn
	Unreliable transport.DatagramConn
}

// StreamSocket is one multiplexed connection between a server and a client.
type StreamSocket struct {
	cfg   Config
	conns Conns
	pool  *bufpool.Pool
	stats *util.Traffic

	reliableSend   *transport.ReliableSender
	reliableRecv   *transport.ReliableReceiver
	unreliableSend *transport.UnreliableSender
	unreliableRecv *transport.UnreliableReceiver

	indexMu sync.Mutex
	indexes map[protocol.StreamID]*indexGen

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New wraps conns. stats may be nil.
func New(conns Conns, cfg Config, stats *util.Traffic) (*StreamSocket, error) {
	if conns.Reliable == nil {
		return nil, errors.New("stream socket needs a reliable connection")
	}
	if stats == nil {
		stats = util.NewTraffic()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamSocket{
		cfg:          cfg,
		conns:        conns,
		pool:         bufpool.New(),
		stats:        stats,
		reliableSend: transport.NewReliableSender(conns.Reliable, cfg.WriteTimeout),
		reliableRecv: transport.NewReliableReceiver(conns.Reliable, cfg.MaxPayloadSize),
		indexes:      make(map[protocol.StreamID]*indexGen),
		ctx:          ctx,
		cancel:       cancel,
	}
	if conns.Unreliable != nil {
		s.unreliableSend = transport.NewUnreliableSender(conns.Unreliable, cfg.Limiter)
		s.unreliableRecv = transport.NewUnreliableReceiver(conns.Unreliable)
	}
	return s, nil
}

// indexGen returns the packet index sequence of stream id, shared by all
// of its senders.
func (s *StreamSocket) indexGen(id protocol.StreamID) *indexGen {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	g, ok := s.indexes[id]
	if !ok {
		g = &indexGen{}
		s.indexes[id] = g
	}
	return g
}

// Delivery reports which path carries stream id on this socket.
func (s *StreamSocket) Delivery(id protocol.StreamID) protocol.Delivery {
	if s.unreliableSend != nil && s.cfg.Policy[id] == protocol.Unreliable {
		return protocol.Unreliable
	}
	return protocol.Reliable
}

// Stats returns the traffic counters of this socket.
func (s *StreamSocket) Stats() *util.Traffic { return s.stats }

// Allocations counts receive buffers allocated after subscription.
func (s *StreamSocket) Allocations() int64 { return s.pool.Allocations() }

// ReceiveLoop drives the receive side until ctx is done, the socket is
// closed, or a transport fails. It must run while any Receiver is in use.
// On return every Receiver is released with protocol.ErrDisconnected.
func (s *StreamSocket) ReceiveLoop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.pool.Close()

	loops := 1
	errc := make(chan error, 2)
	go func() {
		errc <- s.loop(ctx, func() error {
			return s.reliableRecv.Recv(s.pool, s.cfg.PollTimeout)
		})
	}()
	if s.unreliableRecv != nil {
		loops++
		go func() {
			errc <- s.loop(ctx, func() error {
				return s.unreliableRecv.Recv(s.pool, s.cfg.PollTimeout)
			})
		}()
	}

	var first error
	for range loops {
		if err := <-errc; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

func (s *StreamSocket) loop(ctx context.Context, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return protocol.ErrDisconnected
		default:
		}

		if err := step(); err != nil && !errors.Is(err, protocol.ErrTryAgain) {
			select {
			case <-s.ctx.Done():
				return protocol.ErrDisconnected
			default:
				return err
			}
		}
	}
}

// Close tears the socket down: pending and future Recv calls return
// protocol.ErrDisconnected and both connections are closed.
func (s *StreamSocket) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.pool.Close()

		errs := []error{s.conns.Reliable.Close()}
		if s.conns.Unreliable != nil {
			errs = append(errs, s.conns.Unreliable.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
