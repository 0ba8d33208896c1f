package streamsock

import (
	"bytes"
	"testing"
	"time"

	"github.com/1ureka/streamsock/internal/codec"
	"github.com/1ureka/streamsock/internal/protocol"
)

func testSender(delivery protocol.Delivery) *Sender[protocol.VideoHeader] {
	return &Sender[protocol.VideoHeader]{id: protocol.StreamVideo, delivery: delivery}
}

func TestSenderBufferLayout(t *testing.T) {
	for _, delivery := range []protocol.Delivery{protocol.Reliable, protocol.Unreliable} {
		t.Run(delivery.String(), func(t *testing.T) {
			header := protocol.VideoHeader{IsIDR: true}
			buf, err := testSender(delivery).NewBuffer(header, 16)
			if err != nil {
				t.Fatalf("NewBuffer: %v", err)
			}
			buf.Write([]byte("payload"))

			encoded, _ := codec.Marshal(header)
			offset := delivery.PayloadOffset()
			if !bytes.Equal(buf.data[offset:offset+len(encoded)], encoded) {
				t.Errorf("header not at offset %d", offset)
			}
			if string(buf.Payload()) != "payload" || buf.Len() != 7 {
				t.Errorf("payload: %q (len %d)", buf.Payload(), buf.Len())
			}
		})
	}
}

// TestNewBufferFitsLargeHeader checks that the preferred payload fits
// behind a header of any size without growing the buffer.
func TestNewBufferFitsLargeHeader(t *testing.T) {
	sender := &Sender[protocol.TrackingHeader]{id: protocol.StreamTracking, delivery: protocol.Reliable}
	header := protocol.TrackingHeader{TargetTimestamp: time.Second}
	for device := range 6 {
		header.Motions = append(header.Motions, protocol.DeviceMotion{
			Device:      uint64(device),
			Orientation: [4]float32{0.1, 0.2, 0.3, 0.9},
			Position:    [3]float32{1.5, 1.6, -0.3},
		})
	}
	encoded, err := codec.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) <= 64 {
		t.Fatalf("header encodes to %d bytes, want a large one", len(encoded))
	}

	const preferred = 256
	buf, err := sender.NewBuffer(header, preferred)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	capacity := cap(buf.data)
	if want := protocol.ReliablePrefixSize + len(encoded) + preferred; capacity < want {
		t.Fatalf("cap: got %d, want at least %d", capacity, want)
	}

	buf.Write(make([]byte, preferred))
	if cap(buf.data) != capacity {
		t.Errorf("buffer grew from %d to %d while writing the preferred payload", capacity, cap(buf.data))
	}

	first := &buf.data[0]
	if err := buf.Reset(header); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	buf.Write(make([]byte, preferred))
	if &buf.data[0] != first {
		t.Error("Reset with the same header reallocated the buffer")
	}
}

func TestSenderBufferPayloadView(t *testing.T) {
	buf, err := testSender(protocol.Reliable).NewBuffer(protocol.VideoHeader{}, 4)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}

	buf.Write([]byte("ab"))
	n := copy(buf.Reserve(100), "cdef")
	buf.Commit(n)
	if got := string(buf.Payload()); got != "abcdef" {
		t.Fatalf("after Reserve/Commit: %q", got)
	}

	buf.SetPayloadLen(2)
	if got := string(buf.Payload()); got != "ab" {
		t.Fatalf("after shrink: %q", got)
	}
	buf.SetPayloadLen(4)
	if got := buf.Payload(); !bytes.Equal(got, []byte{'a', 'b', 0, 0}) {
		t.Fatalf("after grow: %q", got)
	}

	if err := buf.Reset(protocol.VideoHeader{IsIDR: true}); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("Reset kept %d payload bytes", buf.Len())
	}
}

func TestSenderBufferCommitOverReservation(t *testing.T) {
	buf, _ := testSender(protocol.Reliable).NewBuffer(protocol.VideoHeader{}, 0)
	buf.Reserve(2)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on over-commit")
		}
	}()
	buf.Commit(3)
}

func TestIndexGenWraps(t *testing.T) {
	var g indexGen
	if g.Next() != 0 || g.Next() != 1 {
		t.Fatal("indexes must start at 0 and increase")
	}
	g.val.Store(0xFFFFFFFF)
	if got := g.Next(); got != 0xFFFFFFFF {
		t.Fatalf("got %d", got)
	}
	if got := g.Next(); got != 0 {
		t.Fatalf("index did not wrap: %d", got)
	}
}

func TestLossTracker(t *testing.T) {
	testCases := []struct {
		name    string
		indexes []uint32
		want    uint64
	}{
		{"contiguous", []uint32{5, 6, 7, 8}, 0},
		{"one gap", []uint32{0, 1, 4, 5}, 2},
		{"duplicate and late", []uint32{0, 1, 1, 3, 2}, 1},
		{"across wrap", []uint32{0xFFFFFFFE, 0xFFFFFFFF, 1}, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var tracker lossTracker
			for _, idx := range tc.indexes {
				tracker.observe(idx)
			}
			if got := tracker.total(); got != tc.want {
				t.Errorf("lost: got %d, want %d", got, tc.want)
			}
		})
	}
}
