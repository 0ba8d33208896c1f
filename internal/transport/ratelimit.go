package transport

import (
	"context"

	"golang.org/x/time/rate"
)

// Rate limiter defaults, in bytes per second.
const (
	DefaultBitrateMultiplier = 1.5
	DefaultMinByterate       = 10_000_000 / 8 // 10 Mbps floor
	DefaultReserveByterate   = 2_000_000 / 8  // audio, tracking and control traffic
)

// RateLimiterConfig derives the send budget of the unreliable path from the
// configured video bitrate.
type RateLimiterConfig struct {
	VideoBitrateBps   uint64
	BitrateMultiplier float64
	MinByterate       uint64
	ReserveByterate   uint64
}

// Byterate returns max(bitrate × multiplier / 8, minimum) + reserve.
func (c RateLimiterConfig) Byterate() float64 {
	multiplier := c.BitrateMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	byterate := float64(c.VideoBitrateBps) * multiplier / 8
	byterate = max(byterate, float64(c.MinByterate))
	return byterate + float64(c.ReserveByterate)
}

// RateLimiter is a token bucket shared by every send on one datagram
// socket. The bucket holds about one millisecond of tokens, but never less
// than one maximum-size datagram so a single send can always proceed.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter for byterate bytes per second.
func NewRateLimiter(byterate float64, maxDatagramSize int) *RateLimiter {
	burst := max(int(byterate/1000), maxDatagramSize, 1)
	limiter := rate.NewLimiter(rate.Limit(byterate), burst)
	return &RateLimiter{limiter: limiter}
}

// Wait blocks until n bytes may be sent or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context, n int) error {
	return l.limiter.WaitN(ctx, n)
}

// Byterate returns the refill rate in bytes per second.
func (l *RateLimiter) Byterate() float64 {
	return float64(l.limiter.Limit())
}

// Burst returns the bucket size in bytes.
func (l *RateLimiter) Burst() int {
	return l.limiter.Burst()
}
