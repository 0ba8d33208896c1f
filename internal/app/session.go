// Package app contains the top-level orchestration for server and client roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/1ureka/streamsock/internal/config"
	"github.com/1ureka/streamsock/internal/control"
	"github.com/1ureka/streamsock/internal/identity"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/streamsock"
	"github.com/1ureka/streamsock/internal/transport"
	"github.com/1ureka/streamsock/internal/util"
)

// ProtocolVersion is the wire protocol version. Peers of another major
// version are ignored in discovery and refused in the handshake.
const ProtocolVersion = "1"

// Version is the application version, shown in the Hello message.
var Version = "dev"

const (
	reconnectDelay = time.Second
	dialTimeout    = 5 * time.Second
)

// session 是一次 server/client 連線持有的所有資源。
type session struct {
	ctrl   *control.Conn
	socket *streamsock.StreamSocket
	remote *control.Hello
	config control.SessionConfig

	// socket 之外需要關閉的資源（QUIC 連線、listener），依建立順序排列。
	closers []io.Closer
}

// Close 關閉 stream socket、其餘傳輸資源，最後以 reason 關閉 control socket。
func (s *session) Close(reason string) error {
	var errs []error
	if s.socket != nil {
		errs = append(errs, s.socket.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	errs = append(errs, s.ctrl.Close(reason))
	return errors.Join(errs...)
}

// task is one producer or consumer running for the lifetime of a session.
type task func(ctx context.Context) error

// run 啟動 receive loop、control 監看與所有 task，任一結束即結束整個 session。
// ctx 取消時回傳 nil。
func (s *session) run(parent context.Context, statsInterval time.Duration, tasks ...task) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	util.StartTrafficReporter(ctx, s.socket.Stats(), statsInterval)

	all := append([]task{s.socket.ReceiveLoop, s.watchControl}, tasks...)
	errCh := make(chan error, len(all))
	for _, t := range all {
		go func() {
			errCh <- t(ctx)
		}()
	}

	// 第一個結束的 task 決定 session 結束原因。
	err := <-errCh
	cancel()
	s.socket.Close()
	for range len(all) - 1 {
		<-errCh
	}

	if parent.Err() != nil {
		return nil
	}
	return err
}

// watchControl 在 session 期間持續讀取 control socket。
// 對方送出 Close 或連線中斷時回傳錯誤。
func (s *session) watchControl(ctx context.Context) error {
	for {
		msg, err := s.ctrl.RecvContext(ctx)
		if err != nil {
			return err
		}
		// 信令結束後抵達的 ICE candidate 等訊息一律忽略。
		util.LogDebug("control: ignored %s message during session", msg.Type)
	}
}

// newSessionConfig 從本地設定組出 server 決定的 SessionConfig。
func newSessionConfig(cfg config.Config) (control.SessionConfig, error) {
	policy, err := cfg.StreamPolicy()
	if err != nil {
		return control.SessionConfig{}, err
	}
	limits := cfg.RateLimiter()
	return control.SessionConfig{
		Transport:         string(cfg.Transport),
		StreamPort:        cfg.StreamPort,
		Policy:            policy,
		MaxPayloadSize:    cfg.MaxPayloadSize,
		MaxDatagramSize:   cfg.MaxDatagramSize,
		Buffers:           cfg.Buffers,
		RateLimit:         cfg.RateLimit,
		VideoBitrate:      limits.VideoBitrateBps,
		BitrateMultiplier: limits.BitrateMultiplier,
		MinByterate:       limits.MinByterate,
		ReserveByterate:   limits.ReserveByterate,
	}, nil
}

// newStreamSocket 依 SessionConfig 建立 stream socket。雙方以相同的
// SessionConfig 呼叫，因此 delivery policy 必定一致。
func newStreamSocket(sc control.SessionConfig, cfg config.Config, conns streamsock.Conns) (*streamsock.StreamSocket, error) {
	sockCfg := streamsock.Config{
		Policy:         sc.Policy,
		Buffers:        sc.Buffers,
		BufferSize:     cfg.BufferSize,
		PollTimeout:    cfg.PollTimeout,
		WriteTimeout:   streamsock.DefaultWriteTimeout,
		MaxPayloadSize: sc.MaxPayloadSize,
	}
	if sc.RateLimit && conns.Unreliable != nil {
		limits := transport.RateLimiterConfig{
			VideoBitrateBps:   sc.VideoBitrate,
			BitrateMultiplier: sc.BitrateMultiplier,
			MinByterate:       sc.MinByterate,
			ReserveByterate:   sc.ReserveByterate,
		}
		limiter := transport.NewRateLimiter(limits.Byterate(), conns.Unreliable.MaxDatagramSize())
		util.LogDebug("rate limit: %.0f B/s, burst %d B", limiter.Byterate(), limiter.Burst())
		sockCfg.Limiter = limiter
	}
	return streamsock.New(conns, sockCfg, util.NewTraffic())
}

// localHello 建立本端的 Hello 訊息。
func localHello() control.Hello {
	hostname, _ := os.Hostname()
	return control.Hello{
		ProtocolID: identity.ProtocolID(ProtocolVersion),
		Hostname:   hostname,
		Version:    Version,
	}
}

// remoteIP 取出 control socket 對端的 IP。
func remoteIP(addr net.Addr) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("peer address %s: %w", addr, err)
	}
	return ap.Addr().Unmap(), nil
}

// closeAll 關閉建立到一半的資源。
func closeAll(closers ...io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if closers[i] != nil {
			_ = closers[i].Close()
		}
	}
}

// endOfSession 依錯誤種類記錄 session 結束原因。
func endOfSession(err error) {
	var closed *control.ClosedError
	switch {
	case err == nil:
	case errors.As(err, &closed):
		util.LogWarning("peer ended the session: %s", closed.Reason)
	case errors.Is(err, protocol.ErrProtocolMismatch):
		util.LogWarning("incompatible peer: %v", err)
	case errors.Is(err, protocol.ErrDisconnected):
		util.LogWarning("connection lost: %v", err)
	default:
		util.LogError("session failed: %v", err)
	}
}

// sleepCtx waits d or until ctx is done. It reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
