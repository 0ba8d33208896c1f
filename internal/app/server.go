package app

import (
	"context"
	"errors"
	"fmt"
	"io"
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

// discoveryPoll is how often the server checks for discovery packets.
const discoveryPoll = 100 * time.Millisecond

// RunServer orchestrates the full server lifecycle, reconnecting after
// every session until ctx is cancelled:
//  1. Find a client via discovery (or use the configured peer)
//  2. Dial its control socket and run the handshake
//  3. Open the stream socket over the configured transport
//  4. Produce video/audio/haptics, consume tracking/statistics
func RunServer(ctx context.Context, cfg config.Config) error {
	id, err := identity.LoadOrCreate(cfg.IdentityFile)
	if err != nil {
		return err
	}
	util.LogInfo("server identity %s, transport %s", id.Fingerprint(), cfg.Transport)

	for {
		err := serveOnce(ctx, cfg, id)
		if ctx.Err() != nil {
			return nil
		}
		endOfSession(err)
		if !sleepCtx(ctx, reconnectDelay) {
			return nil
		}
	}
}

// serveOnce 執行一次完整的 server session。
func serveOnce(ctx context.Context, cfg config.Config, id *identity.Identity) error {
	// ── 1. 尋找 client ─────────────────────────────────────────────────
	peer, err := findClient(ctx, cfg)
	if err != nil {
		return err
	}

	// ── 2~3. Control socket、handshake、stream socket ─────────────────
	sess, err := connectServer(ctx, cfg, id, peer)
	if err != nil {
		return err
	}
	defer sess.Close("server shutting down")

	util.LogSuccess("streaming to %s (%s) over %s", sess.remote.Hostname, identity.Fingerprint(sess.remote.PublicKey), sess.config.Transport)

	// ── 4. 串流直到斷線 ────────────────────────────────────────────────
	sock := sess.socket
	tracking, err := streamsock.SubscribeToStream[protocol.TrackingHeader](sock, protocol.StreamTracking)
	if err != nil {
		return err
	}
	statistics, err := streamsock.SubscribeToStream[protocol.StatisticsHeader](sock, protocol.StreamStatistics)
	if err != nil {
		return err
	}

	return sess.run(ctx, cfg.StatsInterval,
		func(ctx context.Context) error { return produceVideo(ctx, sock, sess.config.VideoBitrate) },
		func(ctx context.Context) error { return produceAudio(ctx, sock) },
		func(ctx context.Context) error { return produceHaptics(ctx, sock) },
		func(ctx context.Context) error { return consume(ctx, tracking, cfg.RecvTimeout, newTrackingMonitor().handle) },
		func(ctx context.Context) error { return consume(ctx, statistics, cfg.RecvTimeout, statisticsLogger(statistics)) },
	)
}

// findClient 回傳 client 的 IP。設定了 Peer 時直接使用，否則等待 discovery 廣播。
func findClient(ctx context.Context, cfg config.Config) (netip.Addr, error) {
	if cfg.Peer != "" {
		addr, err := netip.ParseAddr(cfg.Peer)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad peer address %q: %w", cfg.Peer, err)
		}
		return addr.Unmap(), nil
	}

	listener, err := discovery.Listen(cfg.DiscoveryPort, identity.ProtocolID(ProtocolVersion))
	if err != nil {
		return netip.Addr{}, err
	}
	defer listener.Close()
	util.LogInfo("waiting for a client on discovery port %d...", cfg.DiscoveryPort)

	ticker := time.NewTicker(discoveryPoll)
	defer ticker.Stop()
	for {
		peer, err := listener.RecvNonBlocking()
		switch {
		case err == nil && peer.PeerType == discovery.PeerClient:
			util.LogInfo("found client %s (%s)", peer.Addr, identity.Fingerprint(peer.PublicKey))
			return peer.Addr, nil
		case err == nil:
			util.LogDebug("discovery: ignored %s at %s", peer.PeerType, peer.Addr)
		case !errors.Is(err, protocol.ErrTryAgain):
			return netip.Addr{}, err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		}
	}
}

// connectServer 連線到 peer 的 control socket，完成 handshake，
// 並依設定的 transport 建立 stream socket。
func connectServer(ctx context.Context, cfg config.Config, id *identity.Identity, peer netip.Addr) (*session, error) {
	sc, err := newSessionConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctrl, err := control.Dial(ctx, netip.AddrPortFrom(peer, cfg.ControlPort).String())
	if err != nil {
		return nil, err
	}
	cleanup := []io.Closer{closerFunc(func() error { return ctrl.Close("session setup failed") })}
	ok := false
	defer func() {
		if !ok {
			closeAll(cleanup...)
		}
	}()

	// tcp transport 的 UDP socket 先綁定，port 隨 SessionConfig 告知 client。
	var udp *transport.UDPConn
	if cfg.Transport == config.TransportTCP {
		udp, err = transport.NewUDPConn(":0", netip.AddrPortFrom(peer, sc.StreamPort), sc.MaxDatagramSize)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, udp)
		if addr, err := netip.ParseAddrPort(udp.LocalAddr().String()); err == nil {
			sc.DatagramPort = addr.Port()
		}
	}

	remote, err := control.ServerHandshake(ctx, ctrl, id, localHello(), sc)
	if err != nil {
		return nil, err
	}

	streamAddr := netip.AddrPortFrom(peer, sc.StreamPort).String()
	sess := &session{ctrl: ctrl, remote: remote, config: sc}
	var conns streamsock.Conns

	switch cfg.Transport {
	case config.TransportTCP:
		stream, err := transport.DialTCP(ctx, streamAddr, dialTimeout)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, stream)
		conns = streamsock.Conns{Reliable: stream, Unreliable: udp}

	case config.TransportQUIC:
		qs, err := transport.DialQUIC(ctx, streamAddr)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, qs)
		sess.closers = append(sess.closers, qs)
		conns = streamsock.Conns{Reliable: qs.Stream(), Unreliable: qs.Datagrams()}

	case config.TransportWebRTC:
		stream, err := transport.DialTCP(ctx, streamAddr, dialTimeout)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, stream)
		channel, err := signaling.Offer(ctx, ctrl, cfg.STUNServers)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, channel)
		conns = streamsock.Conns{Reliable: stream, Unreliable: channel}

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	sess.socket, err = newStreamSocket(sc, cfg, conns)
	if err != nil {
		return nil, err
	}
	ok = true
	return sess, nil
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
