package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/streamsock/internal/config"
	"github.com/1ureka/streamsock/internal/control"
	"github.com/1ureka/streamsock/internal/identity"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/streamsock"
	"github.com/1ureka/streamsock/internal/util"
)

// freePort returns a port that is free for both TCP and UDP on loopback.
func freePort(t *testing.T) uint16 {
	t.Helper()
	for range 20 {
		tcp, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		port := tcp.Addr().(*net.TCPAddr).Port
		udp, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", port))
		tcp.Close()
		if err == nil {
			udp.Close()
			return uint16(port)
		}
	}
	t.Fatal("no free port")
	return 0
}

func testConfig(t *testing.T, kind config.TransportKind) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Transport = kind
	cfg.Peer = "127.0.0.1"
	cfg.ControlPort = freePort(t)
	cfg.StreamPort = freePort(t)
	cfg.STUNServers = nil
	return cfg
}

// sessionPair runs connectServer and acceptServer against each other.
func sessionPair(t *testing.T, cfg config.Config) (server, client *session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	serverID, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	clientID, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	listener, err := control.Listen(fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort))
	if err != nil {
		t.Fatalf("control.Listen: %v", err)
	}
	defer listener.Close()

	type result struct {
		sess *session
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		ctrl, err := listener.Accept(ctx)
		if err != nil {
			accepted <- result{nil, err}
			return
		}
		sess, err := acceptServer(ctx, cfg, clientID, ctrl)
		accepted <- result{sess, err}
	}()

	server, err = connectServer(ctx, cfg, serverID, netip.MustParseAddr("127.0.0.1"))
	if err != nil {
		t.Fatalf("connectServer: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		server.Close("")
		t.Fatalf("acceptServer: %v", res.err)
	}
	client = res.sess

	if got := identity.Fingerprint(client.remote.PublicKey); got != serverID.Fingerprint() {
		t.Errorf("client sees server %s, want %s", got, serverID.Fingerprint())
	}
	if got := identity.Fingerprint(server.remote.PublicKey); got != clientID.Fingerprint() {
		t.Errorf("server sees client %s, want %s", got, clientID.Fingerprint())
	}
	return server, client
}

// TestSessionLoopback sets up a full session over each transport and
// sends one reliable and one unreliable packet.
func TestSessionLoopback(t *testing.T) {
	for _, kind := range []config.TransportKind{config.TransportTCP, config.TransportQUIC, config.TransportWebRTC} {
		t.Run(string(kind), func(t *testing.T) {
			server, client := sessionPair(t, testConfig(t, kind))
			defer server.Close("")
			defer client.Close("")

			if client.config.Transport != string(kind) {
				t.Errorf("client transport: got %q, want %q", client.config.Transport, kind)
			}
			for _, s := range []*session{server, client} {
				if s.socket.Delivery(protocol.StreamVideo) != protocol.Unreliable {
					t.Errorf("video should use the datagram path")
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			statistics, err := streamsock.SubscribeToStream[protocol.StatisticsHeader](server.socket, protocol.StreamStatistics)
			if err != nil {
				t.Fatal(err)
			}
			video, err := streamsock.SubscribeToStream[protocol.VideoHeader](client.socket, protocol.StreamVideo)
			if err != nil {
				t.Fatal(err)
			}
			go server.socket.ReceiveLoop(ctx)
			go client.socket.ReceiveLoop(ctx)

			// Reliable: client → server.
			stats := streamsock.RequestStream[protocol.StatisticsHeader](client.socket, protocol.StreamStatistics)
			if err := stats.SendHeader(protocol.StatisticsHeader{PacketsLost: 3}, nil); err != nil {
				t.Fatalf("send statistics: %v", err)
			}
			got, err := recvWithin(statistics, 5*time.Second)
			if err != nil {
				t.Fatalf("recv statistics: %v", err)
			}
			if got.Header.PacketsLost != 3 {
				t.Errorf("PacketsLost: got %d, want 3", got.Header.PacketsLost)
			}

			// Unreliable: server → client, resent until one arrives.
			sender := streamsock.RequestStream[protocol.VideoHeader](server.socket, protocol.StreamVideo)
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				header := protocol.VideoHeader{IsIDR: true, FrameIndex: 9, ShardCount: 1}
				if err := sender.SendHeader(header, []byte("frame")); err != nil {
					t.Fatalf("send video: %v", err)
				}
				pkt, err := video.Recv(100 * time.Millisecond)
				if errors.Is(err, protocol.ErrTryAgain) {
					continue
				}
				if err != nil {
					t.Fatalf("recv video: %v", err)
				}
				if pkt.Header.FrameIndex != 9 || string(pkt.Payload) != "frame" {
					t.Fatalf("video: got frame %d %q", pkt.Header.FrameIndex, pkt.Payload)
				}
				return
			}
			t.Fatal("no video datagram arrived")
		})
	}
}

func recvWithin[T any](r *streamsock.Receiver[T], d time.Duration) (streamsock.Received[T], error) {
	deadline := time.Now().Add(d)
	for {
		pkt, err := r.Recv(100 * time.Millisecond)
		if !errors.Is(err, protocol.ErrTryAgain) || time.Now().After(deadline) {
			return pkt, err
		}
	}
}

// TestSessionRunEndsOnPeerClose verifies a running session returns once
// the peer closes the control socket.
func TestSessionRunEndsOnPeerClose(t *testing.T) {
	server, client := sessionPair(t, testConfig(t, config.TransportTCP))
	defer server.Close("")

	done := make(chan error, 1)
	go func() {
		done <- server.run(context.Background(), time.Minute,
			func(ctx context.Context) error { return produceHaptics(ctx, server.socket) })
	}()

	client.Close("bye")

	select {
	case err := <-done:
		var closed *control.ClosedError
		if !errors.As(err, &closed) && !errors.Is(err, protocol.ErrDisconnected) {
			t.Fatalf("run: got %v, want peer close", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after peer close")
	}
}

func TestStatisticsLoggerReportsLoss(t *testing.T) {
	server, client := sessionPair(t, testConfig(t, config.TransportTCP))
	defer server.Close("")
	defer client.Close("")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	statistics, err := streamsock.SubscribeToStream[protocol.StatisticsHeader](server.socket, protocol.StreamStatistics)
	if err != nil {
		t.Fatal(err)
	}
	go server.socket.ReceiveLoop(ctx)

	sender := streamsock.RequestStream[protocol.StatisticsHeader](client.socket, protocol.StreamStatistics)
	if err := sender.SendHeader(protocol.StatisticsHeader{PacketsLost: 7}, nil); err != nil {
		t.Fatalf("send statistics: %v", err)
	}
	pkt, err := recvWithin(statistics, 5*time.Second)
	if err != nil {
		t.Fatalf("recv statistics: %v", err)
	}

	var out bytes.Buffer
	util.SetLogOutput(&out)
	defer util.SetLogOutput(os.Stderr)
	statisticsLogger(statistics)(pkt)

	for _, want := range []string{"frames_lost", "reports_lost"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log %q missing %q", out.String(), want)
		}
	}
}

func TestFrameMonitor(t *testing.T) {
	testCases := []struct {
		name   string
		frames []protocol.VideoHeader
		lost   uint64
	}{
		{
			name: "complete frames",
			frames: []protocol.VideoHeader{
				{FrameIndex: 0, ShardIndex: 0, ShardCount: 2},
				{FrameIndex: 0, ShardIndex: 1, ShardCount: 2},
				{FrameIndex: 1, ShardIndex: 0, ShardCount: 1},
				{FrameIndex: 2, ShardIndex: 0, ShardCount: 1},
			},
			lost: 0,
		},
		{
			name: "missing shard",
			frames: []protocol.VideoHeader{
				{FrameIndex: 0, ShardIndex: 0, ShardCount: 2},
				{FrameIndex: 1, ShardIndex: 0, ShardCount: 1},
			},
			lost: 1,
		},
		{
			name: "skipped frames",
			frames: []protocol.VideoHeader{
				{FrameIndex: 5, ShardCount: 1},
				{FrameIndex: 9, ShardCount: 1},
			},
			lost: 3,
		},
		{
			name: "late shard ignored",
			frames: []protocol.VideoHeader{
				{FrameIndex: 3, ShardCount: 1},
				{FrameIndex: 4, ShardCount: 1},
				{FrameIndex: 3, ShardCount: 1},
				{FrameIndex: 5, ShardCount: 1},
			},
			lost: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newFrameMonitor()
			for _, h := range tc.frames {
				m.handle(streamsock.Received[protocol.VideoHeader]{Header: h})
			}
			if got := m.lost(); got != tc.lost {
				t.Errorf("lost: got %d, want %d", got, tc.lost)
			}
		})
	}
}

func TestNewSessionConfigPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Policy = map[string]protocol.Delivery{"video": protocol.Reliable}

	sc, err := newSessionConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Policy[protocol.StreamVideo] != protocol.Reliable {
		t.Errorf("video override not applied")
	}
	if sc.Policy[protocol.StreamAudio] != protocol.Unreliable {
		t.Errorf("audio default lost")
	}
	if sc.Transport != string(config.TransportTCP) {
		t.Errorf("transport: got %q", sc.Transport)
	}
}
