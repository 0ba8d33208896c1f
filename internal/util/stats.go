package util

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-stream counters
// ──────────────────────────────────────────────────────────────────────────────

// StreamCounters is the traffic of one stream. Updated lock-free from the
// send and receive paths.
type StreamCounters struct {
	PacketsSent atomic.Int64
	BytesSent   atomic.Int64
	PacketsRecv atomic.Int64
	BytesRecv   atomic.Int64
	Lost        atomic.Int64 // index gaps observed by the receiver
}

func (c *StreamCounters) AddSent(n int) { c.PacketsSent.Add(1); c.BytesSent.Add(int64(n)) }
func (c *StreamCounters) AddRecv(n int) { c.PacketsRecv.Add(1); c.BytesRecv.Add(int64(n)) }
func (c *StreamCounters) AddLost(n int) { c.Lost.Add(int64(n)) }

// Traffic holds the counters of every stream of one stream socket.
type Traffic struct {
	mu      sync.Mutex
	streams map[protocol.StreamID]*StreamCounters
}

// NewTraffic creates an empty counter set.
func NewTraffic() *Traffic {
	return &Traffic{streams: make(map[protocol.StreamID]*StreamCounters)}
}

// Stream returns the counters of stream id, creating them on first use.
// Callers keep the pointer; the lock is only taken here.
func (t *Traffic) Stream(id protocol.StreamID) *StreamCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.streams[id]
	if !ok {
		c = &StreamCounters{}
		t.streams[id] = c
	}
	return c
}

// StreamSnapshot is a point-in-time copy of one stream's counters.
type StreamSnapshot struct {
	ID          protocol.StreamID
	PacketsSent int64
	BytesSent   int64
	PacketsRecv int64
	BytesRecv   int64
	Lost        int64
}

// Snapshot returns the counters of every stream, ordered by stream id.
func (t *Traffic) Snapshot() []StreamSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StreamSnapshot, 0, len(t.streams))
	for id, c := range t.streams {
		out = append(out, StreamSnapshot{
			ID:          id,
			PacketsSent: c.PacketsSent.Load(),
			BytesSent:   c.BytesSent.Load(),
			PacketsRecv: c.PacketsRecv.Load(),
			BytesRecv:   c.BytesRecv.Load(),
			Lost:        c.Lost.Load(),
		})
	}
	slices.SortFunc(out, func(a, b StreamSnapshot) int { return int(a.ID) - int(b.ID) })
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartTrafficReporter launches a goroutine that logs per-stream throughput
// every interval. Idle streams are skipped. It stops when ctx is cancelled.
func StartTrafficReporter(ctx context.Context, t *Traffic, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := make(map[protocol.StreamID]StreamSnapshot)
		for {
			select {
			case <-ticker.C:
				secs := interval.Seconds()
				for _, cur := range t.Snapshot() {
					last := prev[cur.ID]
					prev[cur.ID] = cur

					outS := float64(cur.BytesSent-last.BytesSent) / secs
					inS := float64(cur.BytesRecv-last.BytesRecv) / secs
					lost := cur.Lost - last.Lost
					if inS > 10 || outS > 10 || lost > 0 {
						LogInfo("[%s] %s", cur.ID, formatStats(inS, outS, lost))
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns one stream's throughput line for the logger.
func formatStats(inS, outS float64, lost int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Lost: %d",
		formatBytes(inS),
		formatBytes(outS),
		lost,
	)
}
