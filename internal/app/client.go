package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/1ureka/streamsock/internal/config"
	"github.com/1ureka/streamsock/internal/control"
	"github.com/1ureka/streamsock/internal/discovery"
	"github.com/1ureka/streamsock/internal/identity"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/signaling"
	"github.com/1ureka/streamsock/internal/streamsock"
	"github.com/1ureka/streamsock/internal/transport"
	"github.com/1ureka/streamsock/internal/util"
)

// announceInterval is the discovery broadcast period.
const announceInterval = time.Second

// RunClient orchestrates the full client lifecycle, reconnecting after
// every session until ctx is cancelled:
//  1. Listen on the control port and broadcast discovery packets
//  2. Accept the server's control socket and run the handshake
//  3. Bind the stream socket endpoint, send Ready, accept the server
//  4. Consume video/audio/haptics, produce tracking/statistics
func RunClient(ctx context.Context, cfg config.Config) error {
	id, err := identity.LoadOrCreate(cfg.IdentityFile)
	if err != nil {
		return err
	}
	util.LogInfo("client identity %s", id.Fingerprint())

	for {
		err := clientOnce(ctx, cfg, id)
		if ctx.Err() != nil {
			return nil
		}
		endOfSession(err)
		if !sleepCtx(ctx, reconnectDelay) {
			return nil
		}
	}
}

// clientOnce 執行一次完整的 client session。
func clientOnce(ctx context.Context, cfg config.Config, id *identity.Identity) error {
	// ── 1. 監聽 control port 並廣播 discovery ─────────────────────────
	listener, err := control.Listen(fmt.Sprintf(":%d", cfg.ControlPort))
	if err != nil {
		return err
	}
	defer listener.Close()

	announceCtx, stopAnnounce := context.WithCancel(ctx)
	go announce(announceCtx, cfg.DiscoveryPort, id)

	util.LogInfo("waiting for a server on control port %d...", cfg.ControlPort)
	ctrl, err := listener.Accept(ctx)
	stopAnnounce()
	if err != nil {
		return err
	}
	listener.Close()

	// ── 2~3. Handshake、stream socket ─────────────────────────────────
	sess, err := acceptServer(ctx, cfg, id, ctrl)
	if err != nil {
		return err
	}
	defer sess.Close("client shutting down")

	util.LogSuccess("receiving from %s (%s) over %s", sess.remote.Hostname, identity.Fingerprint(sess.remote.PublicKey), sess.config.Transport)

	// ── 4. 串流直到斷線 ────────────────────────────────────────────────
	sock := sess.socket
	video, err := streamsock.SubscribeToStream[protocol.VideoHeader](sock, protocol.StreamVideo)
	if err != nil {
		return err
	}
	audio, err := streamsock.SubscribeToStream[protocol.AudioHeader](sock, protocol.StreamAudio)
	if err != nil {
		return err
	}
	haptics, err := streamsock.SubscribeToStream[protocol.HapticsHeader](sock, protocol.StreamHaptics)
	if err != nil {
		return err
	}

	frames := newFrameMonitor()
	return sess.run(ctx, cfg.StatsInterval,
		func(ctx context.Context) error { return consume(ctx, video, cfg.RecvTimeout, frames.handle) },
		func(ctx context.Context) error { return consume(ctx, audio, cfg.RecvTimeout, checkAudio) },
		func(ctx context.Context) error { return consume(ctx, haptics, cfg.RecvTimeout, logHaptics) },
		func(ctx context.Context) error { return produceTracking(ctx, sock) },
		func(ctx context.Context) error { return produceStatistics(ctx, sock, frames) },
	)
}

// announce 定期廣播 discovery 封包，直到 ctx 取消。
func announce(ctx context.Context, port uint16, id *identity.Identity) {
	packet := discovery.Packet{
		ProtocolID: identity.ProtocolID(ProtocolVersion),
		PeerType:   discovery.PeerClient,
		PublicKey:  id.PublicKey,
	}
	broadcaster, err := discovery.NewBroadcaster(discovery.BroadcastAddr(port), packet)
	if err != nil {
		util.LogWarning("discovery disabled: %v", err)
		return
	}
	defer broadcaster.Close()

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	warned := false
	for {
		if err := broadcaster.Broadcast(); err != nil && !warned {
			// 沒有可廣播的介面時，server 仍可用 --peer 直接連線。
			util.LogWarning("discovery broadcast failed: %v", err)
			warned = true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// acceptServer 在已接受的 control socket 上完成 handshake，
// 依 server 選定的 transport 綁定 stream socket 端點、送出 Ready 並接受連線。
func acceptServer(ctx context.Context, cfg config.Config, id *identity.Identity, ctrl *control.Conn) (*session, error) {
	cleanup := []io.Closer{closerFunc(func() error { return ctrl.Close("session setup failed") })}
	ok := false
	defer func() {
		if !ok {
			closeAll(cleanup...)
		}
	}()

	remote, sc, err := control.ClientHandshake(ctx, ctrl, id, localHello())
	if err != nil {
		return nil, err
	}
	peer, err := remoteIP(ctrl.RemoteAddr())
	if err != nil {
		return nil, err
	}

	sess := &session{ctrl: ctrl, remote: remote, config: *sc}
	streamAddr := fmt.Sprintf(":%d", sc.StreamPort)
	var conns streamsock.Conns

	switch config.TransportKind(sc.Transport) {
	case config.TransportTCP:
		listener, err := transport.ListenTCP(streamAddr)
		if err != nil {
			return nil, err
		}
		defer listener.Close()
		udp, err := transport.NewUDPConn(streamAddr, netip.AddrPortFrom(peer, sc.DatagramPort), sc.MaxDatagramSize)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, udp)

		if err := ctrl.SendReady(); err != nil {
			return nil, err
		}
		stream, err := acceptStream(ctx, listener)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, stream)
		conns = streamsock.Conns{Reliable: stream, Unreliable: udp}

	case config.TransportQUIC:
		// listener 在 session 結束前保持開啟，關閉會連帶關閉其 UDP socket。
		listener, err := transport.ListenQUIC(streamAddr)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, listener)
		sess.closers = append(sess.closers, listener)

		if err := ctrl.SendReady(); err != nil {
			return nil, err
		}
		acceptCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		qs, err := listener.Accept(acceptCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, qs)
		sess.closers = append(sess.closers, qs)
		conns = streamsock.Conns{Reliable: qs.Stream(), Unreliable: qs.Datagrams()}

	case config.TransportWebRTC:
		listener, err := transport.ListenTCP(streamAddr)
		if err != nil {
			return nil, err
		}
		defer listener.Close()

		if err := ctrl.SendReady(); err != nil {
			return nil, err
		}
		stream, err := acceptStream(ctx, listener)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, stream)
		channel, err := signaling.Answer(ctx, ctrl, cfg.STUNServers)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, channel)
		conns = streamsock.Conns{Reliable: stream, Unreliable: channel}

	default:
		ctrl.Close("unsupported transport")
		return nil, fmt.Errorf("server asked for unsupported transport %q", sc.Transport)
	}

	sess.socket, err = newStreamSocket(*sc, cfg, conns)
	if err != nil {
		return nil, err
	}
	ok = true
	return sess, nil
}

// acceptStream waits a bounded time for the server's stream connection.
func acceptStream(ctx context.Context, listener *net.TCPListener) (*net.TCPConn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return transport.AcceptTCP(ctx, listener)
}
