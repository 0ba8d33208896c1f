package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/streamsock"
	"github.com/1ureka/streamsock/internal/util"
)

// Synthetic media parameters. Encoders and renderers are outside this
// program; the producers emit correctly sized traffic in their place.
const (
	videoFrameRate     = 72
	audioSampleRate    = 48_000
	audioChannels      = 2
	audioBlock         = 10 * time.Millisecond
	trackingRate       = 90
	hapticsInterval    = 500 * time.Millisecond
	statisticsInterval = time.Second

	// headerReserve is subtracted from the packet size limit when sizing
	// payload chunks, leaving room for the encoded header.
	headerReserve = 64
)

// ──────────────────────────────────────────────────────────────────────────────
// Send helpers
// ──────────────────────────────────────────────────────────────────────────────

// sendFailed 判斷 Send 錯誤是否應結束 producer。
// unreliable 路徑上的單次失敗只記錄並繼續。
func sendFailed(ctx context.Context, id protocol.StreamID, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, protocol.ErrDisconnected) || errors.Is(err, context.Canceled) {
		return true, err
	}
	if errors.Is(err, protocol.ErrDatagramTooLarge) {
		return true, err
	}
	util.LogDebug("[%s] send failed: %v", id, err)
	return false, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Server producers
// ──────────────────────────────────────────────────────────────────────────────

// produceVideo 以固定幀率送出合成影像幀。每幀依封包上限切成多個 shard，
// 同一個 SenderBuffer 重複使用。
func produceVideo(ctx context.Context, sock *streamsock.StreamSocket, bitrate uint64) error {
	sender := streamsock.RequestStream[protocol.VideoHeader](sock, protocol.StreamVideo)

	frameSize := max(int(bitrate/8/videoFrameRate), 1)
	shardSize := min(sender.MaxPacketSize()-headerReserve, frameSize)
	if shardSize <= 0 {
		return errors.New("video: packet size limit too small for any payload")
	}
	shardCount := (frameSize + shardSize - 1) / shardSize
	frame := make([]byte, frameSize)

	buf, err := sender.NewBuffer(protocol.VideoHeader{}, shardSize)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second / videoFrameRate)
	defer ticker.Stop()
	start := time.Now()

	for frameIndex := uint32(0); ; frameIndex++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}

		// 每秒一個 IDR 幀。
		frame[0] = byte(frameIndex)
		header := protocol.VideoHeader{
			Timestamp:  time.Since(start),
			IsIDR:      frameIndex%videoFrameRate == 0,
			FrameIndex: frameIndex,
			ShardCount: uint16(shardCount),
		}
		for shard := range shardCount {
			header.ShardIndex = uint16(shard)
			if err := buf.Reset(header); err != nil {
				return err
			}
			buf.Write(frame[shard*shardSize : min((shard+1)*shardSize, frameSize)])
			if stop, err := sendFailed(ctx, sender.ID(), sender.Send(buf)); stop {
				return err
			}
		}
	}
}

// produceAudio 每 audioBlock 送出一段靜音 PCM（16-bit interleaved）。
func produceAudio(ctx context.Context, sock *streamsock.StreamSocket) error {
	sender := streamsock.RequestStream[protocol.AudioHeader](sock, protocol.StreamAudio)

	blockSize := audioSampleRate * int(audioBlock/time.Millisecond) / 1000 * audioChannels * 2
	silence := make([]byte, blockSize)
	buf, err := sender.NewBuffer(protocol.AudioHeader{}, blockSize)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(audioBlock)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}

		header := protocol.AudioHeader{
			Timestamp:  time.Since(start),
			SampleRate: audioSampleRate,
			Channels:   audioChannels,
		}
		if err := buf.Reset(header); err != nil {
			return err
		}
		buf.Write(silence)
		if stop, err := sendFailed(ctx, sender.ID(), sender.Send(buf)); stop {
			return err
		}
	}
}

// produceHaptics 定期交替送出左右手把的震動。
func produceHaptics(ctx context.Context, sock *streamsock.StreamSocket) error {
	sender := streamsock.RequestStream[protocol.HapticsHeader](sock, protocol.StreamHaptics)

	ticker := time.NewTicker(hapticsInterval)
	defer ticker.Stop()

	for device := uint64(0); ; device = 1 - device {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}

		header := protocol.HapticsHeader{
			Device:    device + 1,
			Duration:  20 * time.Millisecond,
			Frequency: 160,
			Amplitude: 0.5,
		}
		if stop, err := sendFailed(ctx, sender.ID(), sender.SendHeader(header, nil)); stop {
			return err
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Client producers
// ──────────────────────────────────────────────────────────────────────────────

// produceTracking 以 trackingRate 送出頭盔與兩個手把的姿態。
func produceTracking(ctx context.Context, sock *streamsock.StreamSocket) error {
	sender := streamsock.RequestStream[protocol.TrackingHeader](sock, protocol.StreamTracking)

	motions := []protocol.DeviceMotion{
		{Device: 0, Orientation: [4]float32{0, 0, 0, 1}, Position: [3]float32{0, 1.6, 0}},
		{Device: 1, Orientation: [4]float32{0, 0, 0, 1}, Position: [3]float32{-0.2, 1.2, -0.3}},
		{Device: 2, Orientation: [4]float32{0, 0, 0, 1}, Position: [3]float32{0.2, 1.2, -0.3}},
	}
	buf, err := sender.NewBuffer(protocol.TrackingHeader{Motions: motions}, 0)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second / trackingRate)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}

		if err := buf.Reset(protocol.TrackingHeader{TargetTimestamp: time.Since(start), Motions: motions}); err != nil {
			return err
		}
		if stop, err := sendFailed(ctx, sender.ID(), sender.Send(buf)); stop {
			return err
		}
	}
}

// produceStatistics 每秒回報影像接收統計。
func produceStatistics(ctx context.Context, sock *streamsock.StreamSocket, frames *frameMonitor) error {
	sender := streamsock.RequestStream[protocol.StatisticsHeader](sock, protocol.StreamStatistics)

	ticker := time.NewTicker(statisticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}

		header := protocol.StatisticsHeader{
			TargetTimestamp: frames.lastTimestamp(),
			FrameInterval:   frames.interval(),
			PacketsLost:     frames.lost(),
		}
		if stop, err := sendFailed(ctx, sender.ID(), sender.SendHeader(header, nil)); stop {
			return err
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Consumers
// ──────────────────────────────────────────────────────────────────────────────

// consume 持續從 receiver 取出封包交給 handle，直到 ctx 取消或 socket 斷線。
// 無法解碼的 header 只記錄警告，不中斷 stream。
func consume[T any](ctx context.Context, receiver *streamsock.Receiver[T], timeout time.Duration, handle func(streamsock.Received[T])) error {
	defer receiver.Close()

	for {
		pkt, err := receiver.Recv(timeout)
		var headerErr *streamsock.HeaderError
		switch {
		case err == nil:
			handle(pkt)
		case errors.Is(err, protocol.ErrTryAgain):
		case errors.As(err, &headerErr):
			util.LogWarning("[%s] %v", receiver.ID(), err)
		default:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// frameMonitor 追蹤影像幀的完整性：以 FrameIndex 跳號與缺少的 shard 判定遺失。
// handle 只由單一 consumer goroutine 呼叫；統計值可由其他 goroutine 讀取。
type frameMonitor struct {
	current  uint32
	shards   int
	expected int
	started  bool
	lastSeen time.Time

	framesLost   atomic.Uint64
	lastTS       atomic.Int64
	lastInterval atomic.Int64
}

func newFrameMonitor() *frameMonitor {
	return &frameMonitor{}
}

func (m *frameMonitor) handle(pkt streamsock.Received[protocol.VideoHeader]) {
	h := pkt.Header
	switch {
	case !m.started:
		m.started = true
	case h.FrameIndex == m.current:
		m.shards++
		return
	case h.FrameIndex-m.current >= 1<<31:
		// 比目前幀還舊的 shard，已經來不及。
		return
	default:
		if m.shards < m.expected {
			m.framesLost.Add(1)
		}
		if gap := h.FrameIndex - m.current; gap > 1 {
			m.framesLost.Add(uint64(gap - 1))
		}
		now := time.Now()
		m.lastInterval.Store(int64(now.Sub(m.lastSeen)))
	}

	m.current = h.FrameIndex
	m.shards = 1
	m.expected = max(int(h.ShardCount), 1)
	m.lastSeen = time.Now()
	m.lastTS.Store(int64(h.Timestamp))
}

func (m *frameMonitor) lost() uint64                 { return m.framesLost.Load() }
func (m *frameMonitor) lastTimestamp() time.Duration { return time.Duration(m.lastTS.Load()) }
func (m *frameMonitor) interval() time.Duration      { return time.Duration(m.lastInterval.Load()) }

// checkAudio 驗證音訊區塊長度與 header 一致。
func checkAudio(pkt streamsock.Received[protocol.AudioHeader]) {
	frameBytes := int(pkt.Header.Channels) * 2
	if frameBytes == 0 || len(pkt.Payload)%frameBytes != 0 {
		util.LogWarning("[%s] block of %d bytes does not match %d channels", protocol.StreamAudio, len(pkt.Payload), pkt.Header.Channels)
	}
}

func logHaptics(pkt streamsock.Received[protocol.HapticsHeader]) {
	h := pkt.Header
	util.LogDebug("[%s] device %d: %v at %.0f Hz, amplitude %.2f", protocol.StreamHaptics, h.Device, h.Duration, h.Frequency, h.Amplitude)
}

// trackingMonitor 記錄 tracking 樣本數量，每秒輸出一次 debug 訊息。
type trackingMonitor struct {
	samples int
	lastLog time.Time
}

func newTrackingMonitor() *trackingMonitor {
	return &trackingMonitor{lastLog: time.Now()}
}

func (m *trackingMonitor) handle(pkt streamsock.Received[protocol.TrackingHeader]) {
	m.samples++
	if since := time.Since(m.lastLog); since >= time.Second {
		util.LogDebug("[%s] %d samples/s, %d devices, target %v",
			protocol.StreamTracking, int(float64(m.samples)/since.Seconds()), len(pkt.Header.Motions), pkt.Header.TargetTimestamp)
		m.samples = 0
		m.lastLog = time.Now()
	}
}

// statisticsLogger 輸出 client 回報的統計，並附上統計 stream 本身的遺失數。
func statisticsLogger(receiver *streamsock.Receiver[protocol.StatisticsHeader]) func(streamsock.Received[protocol.StatisticsHeader]) {
	return func(pkt streamsock.Received[protocol.StatisticsHeader]) {
		h := pkt.Header
		util.LogFields("client statistics",
			"frame_interval", h.FrameInterval,
			"target", h.TargetTimestamp,
			"frames_lost", h.PacketsLost,
			"reports_lost", receiver.Lost(),
		)
	}
}
