package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/transport"
	"github.com/1ureka/streamsock/internal/util"
)

const (
	HighWaterMark = 1024 * 1024 // 超過此緩衝量即暫停送出
	LowWaterMark  = 256 * 1024  // 低於此緩衝量時恢復送出

	// MaxDatagramSize 保持在各家 SCTP 實作都接受的訊息大小以內。
	MaxDatagramSize = 16 * 1024

	inboxSize          = 1024
	backpressureWindow = 50 * time.Millisecond
)

// Compile-time interface check.
var _ transport.DatagramConn = (*DatagramChannel)(nil)

// DatagramChannel 將 pion DataChannel 包裝為 transport.DatagramConn，
// 內聚背壓控制與接收佇列。
type DatagramChannel struct {
	raw       *webrtc.DataChannel
	sendReady chan struct{}
	inbox     chan []byte

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// NewDatagramChannel 將 pion DC 包裝為 DatagramChannel 並初始化背壓機制。
func NewDatagramChannel(raw *webrtc.DataChannel) *DatagramChannel {
	ch := &DatagramChannel{
		raw:       raw,
		sendReady: make(chan struct{}, 1),
		inbox:     make(chan []byte, inboxSize),
		opened:    make(chan struct{}),
		closed:    make(chan struct{}),
	}

	raw.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case ch.sendReady <- struct{}{}:
		default:
		}
	})

	raw.OnOpen(func() { ch.openOnce.Do(func() { close(ch.opened) }) })
	raw.OnClose(ch.markClosed)

	// 接收佇列滿時直接丟棄；不可靠路徑本來就允許遺失。
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case ch.inbox <- msg.Data:
		default:
			ch.dropped.Add(1)
		}
	})

	if raw.ReadyState() == webrtc.DataChannelStateOpen {
		ch.openOnce.Do(func() { close(ch.opened) })
	}
	return ch
}

func (c *DatagramChannel) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Opened 在 DataChannel 開啟後關閉。
func (c *DatagramChannel) Opened() <-chan struct{} { return c.opened }

// WaitOpen 阻塞直到 DataChannel 開啟、關閉或 ctx 取消。
func (c *DatagramChannel) WaitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.closed:
		return protocol.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteDatagram 送出一則訊息。緩衝量超過高水位時最多等待 backpressureWindow，
// 仍未降下則丟棄該訊息。
func (c *DatagramChannel) WriteDatagram(p []byte) error {
	if len(p) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes (max %d)", protocol.ErrDatagramTooLarge, len(p), MaxDatagramSize)
	}
	select {
	case <-c.closed:
		return protocol.ErrDisconnected
	default:
	}

	if c.raw.BufferedAmount() > uint64(HighWaterMark) {
		timer := time.NewTimer(backpressureWindow)
		defer timer.Stop()
		select {
		case <-c.sendReady:
		case <-timer.C:
			c.dropped.Add(1)
			return nil
		case <-c.closed:
			return protocol.ErrDisconnected
		}
	}

	if err := c.raw.Send(p); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)
	}
	return nil
}

// ReadDatagram 取出下一則訊息，最多等待 timeout。
func (c *DatagramChannel) ReadDatagram(p []byte, timeout time.Duration) (int, error) {
	select {
	case data := <-c.inbox:
		return copy(p, data), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-c.inbox:
		return copy(p, data), nil
	case <-timer.C:
		return 0, protocol.ErrTryAgain
	case <-c.closed:
		return 0, protocol.ErrDisconnected
	}
}

func (c *DatagramChannel) MaxDatagramSize() int { return MaxDatagramSize }

// Dropped 回傳因背壓或接收佇列滿而丟棄的訊息數。
func (c *DatagramChannel) Dropped() uint64 { return c.dropped.Load() }

func (c *DatagramChannel) Close() error {
	if n := c.Dropped(); n > 0 {
		util.LogDebug("datachannel %s: %d messages dropped", c.raw.Label(), n)
	}
	c.markClosed()
	return c.raw.Close()
}
