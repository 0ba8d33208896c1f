package util

import (
	"testing"

	"github.com/1ureka/streamsock/internal/protocol"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v): got %q, want %q", tc.in, got, tc.want)
		}
		if got := formatBytes(tc.in); len(got) != 8 {
			t.Errorf("formatBytes(%v): width %d, want 8", tc.in, len(got))
		}
	}
}

func TestTrafficSnapshot(t *testing.T) {
	traffic := NewTraffic()
	video := traffic.Stream(protocol.StreamVideo)
	if traffic.Stream(protocol.StreamVideo) != video {
		t.Fatal("Stream returned different counters for the same id")
	}

	video.AddSent(100)
	video.AddSent(50)
	traffic.Stream(protocol.StreamTracking).AddRecv(7)
	traffic.Stream(protocol.StreamTracking).AddLost(2)

	snap := traffic.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d streams, want 2", len(snap))
	}
	if snap[0].ID != protocol.StreamTracking || snap[1].ID != protocol.StreamVideo {
		t.Fatalf("snapshot not ordered by id: %v, %v", snap[0].ID, snap[1].ID)
	}
	if snap[1].PacketsSent != 2 || snap[1].BytesSent != 150 {
		t.Errorf("video: got %d packets %d bytes", snap[1].PacketsSent, snap[1].BytesSent)
	}
	if snap[0].BytesRecv != 7 || snap[0].Lost != 2 {
		t.Errorf("tracking: got %d bytes %d lost", snap[0].BytesRecv, snap[0].Lost)
	}
}
