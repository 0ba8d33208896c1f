package transport

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterConfigByterate(t *testing.T) {
	testCases := []struct {
		name string
		cfg  RateLimiterConfig
		want float64
	}{
		{
			name: "bitrate above floor",
			cfg:  RateLimiterConfig{VideoBitrateBps: 30_000_000, BitrateMultiplier: 1.5, MinByterate: DefaultMinByterate, ReserveByterate: DefaultReserveByterate},
			want: 30_000_000*1.5/8 + DefaultReserveByterate,
		},
		{
			name: "bitrate below floor",
			cfg:  RateLimiterConfig{VideoBitrateBps: 1_000_000, BitrateMultiplier: 1.5, MinByterate: DefaultMinByterate, ReserveByterate: DefaultReserveByterate},
			want: DefaultMinByterate + DefaultReserveByterate,
		},
		{
			name: "zero multiplier means 1",
			cfg:  RateLimiterConfig{VideoBitrateBps: 80_000_000},
			want: 10_000_000,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.Byterate(); got != tc.want {
				t.Errorf("Byterate: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRateLimiterBurst(t *testing.T) {
	if got := NewRateLimiter(5_000_000, 1400).Burst(); got != 5000 {
		t.Errorf("burst from byterate: got %d, want 5000", got)
	}
	if got := NewRateLimiter(1_000_000, MaxUDPDatagramSize).Burst(); got != MaxUDPDatagramSize {
		t.Errorf("burst floored at max datagram: got %d, want %d", got, MaxUDPDatagramSize)
	}
}

// TestRateLimiterBound checks that over a window T at most B·T + burst
// bytes are released, and not much less.
func TestRateLimiterBound(t *testing.T) {
	const (
		byterate = 1_000_000
		size     = 1000
		window   = time.Second
	)
	limiter := NewRateLimiter(byterate, size)
	start := time.Now()

	released := 0
	for range 3000 {
		if limiter.limiter.ReserveN(start, size).DelayFrom(start) <= window {
			released += size
		}
	}

	limit := float64(byterate)*window.Seconds() + float64(limiter.Burst())
	if float64(released) > limit*1.01 {
		t.Errorf("released %d bytes in %v, limit %.0f", released, window, limit)
	}
	if float64(released) < float64(byterate)*window.Seconds()*0.99 {
		t.Errorf("released only %d bytes in %v", released, window)
	}
}

func TestUnreliableSenderThrottled(t *testing.T) {
	a, _ := memDatagramPair(1000, nil)
	// 100 KB/s with a 1000-byte bucket: 11 datagrams need about 100ms.
	sender := NewUnreliableSender(a, NewRateLimiter(100_000, 1000))

	start := time.Now()
	for range 11 {
		if err := sender.Send(context.Background(), make([]byte, 1000), 3); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("11 KB sent in %v, want at least ~100ms", elapsed)
	}
}
