package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/1ureka/streamsock/internal/protocol"
)

const (
	quicALPN = "streamsock"

	// QUICMaxDatagramSize keeps datagrams inside the smallest QUIC packet
	// after QUIC framing overhead.
	QUICMaxDatagramSize = 1150

	quicHandshakeTimeout = 5 * time.Second
)

// quicStreamMagic is written by the dialer on the reliable stream so the
// listener's AcceptStream returns; QUIC only announces a stream once data
// is sent on it.
var quicStreamMagic = []byte{'S', 'S', 'Q', 0x01}

var quicConfig = &quic.Config{
	EnableDatagrams: true,
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 5 * time.Second,
}

// Compile-time interface checks.
var (
	_ StreamConn   = (*quic.Stream)(nil)
	_ DatagramConn = (*quicDatagrams)(nil)
)

// QUICSession is one QUIC connection carrying both paths: a bidirectional
// stream for reliable frames and QUIC datagrams for unreliable ones.
type QUICSession struct {
	conn   *quic.Conn
	stream *quic.Stream
}

// Stream returns the reliable byte stream.
func (s *QUICSession) Stream() StreamConn { return s.stream }

// Datagrams returns the unreliable datagram socket.
func (s *QUICSession) Datagrams() DatagramConn { return &quicDatagrams{conn: s.conn} }

// RemoteAddr returns the peer address.
func (s *QUICSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close closes the stream and the connection.
func (s *QUICSession) Close() error {
	return errors.Join(s.stream.Close(), s.conn.CloseWithError(0, "closed"))
}

// DialQUIC connects to a stream-socket QUIC listener at addr. The server
// certificate is not verified; peers are authenticated on the control
// socket before the stream socket is opened.
func DialQUIC(ctx context.Context, addr string) (*QUICSession, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{quicALPN},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams.Remote {
		_ = conn.CloseWithError(0, "datagrams unsupported")
		return nil, fmt.Errorf("dial quic %s: peer does not support datagrams", addr)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	if _, err := stream.Write(quicStreamMagic); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return &QUICSession{conn: conn, stream: stream}, nil
}

// QUICListener accepts stream-socket QUIC sessions.
type QUICListener struct {
	listener *quic.Listener
}

// ListenQUIC listens on addr with a freshly generated self-signed
// certificate.
func ListenQUIC(addr string) (*QUICListener, error) {
	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{quicALPN},
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}
	return &QUICListener{listener: listener}, nil
}

// Addr returns the bound UDP address.
func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }

// Accept waits for the next session and its reliable stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUICSession, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept quic: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, quicHandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("accept quic stream: %w", err)
	}

	magic := make([]byte, len(quicStreamMagic))
	_ = stream.SetReadDeadline(time.Now().Add(quicHandshakeTimeout))
	if _, err := io.ReadFull(stream, magic); err != nil || string(magic) != string(quicStreamMagic) {
		_ = conn.CloseWithError(0, "bad stream preamble")
		return nil, fmt.Errorf("accept quic stream: %w", protocol.ErrProtocolMismatch)
	}
	_ = stream.SetReadDeadline(time.Time{})

	return &QUICSession{conn: conn, stream: stream}, nil
}

// Close stops accepting sessions.
func (l *QUICListener) Close() error { return l.listener.Close() }

// quicDatagrams adapts QUIC datagram frames to DatagramConn.
type quicDatagrams struct {
	conn *quic.Conn
}

func (d *quicDatagrams) WriteDatagram(p []byte) error {
	err := d.conn.SendDatagram(p)
	var tooLarge *quic.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %d bytes (max %d)", protocol.ErrDatagramTooLarge, len(p), tooLarge.MaxDatagramPayloadSize)
	}
	return classifyQUIC(err)
}

func (d *quicDatagrams) ReadDatagram(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(d.conn.Context(), timeout)
	defer cancel()

	data, err := d.conn.ReceiveDatagram(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, protocol.ErrTryAgain
		}
		return 0, classifyQUIC(err)
	}
	return copy(p, data), nil
}

func (d *quicDatagrams) MaxDatagramSize() int { return QUICMaxDatagramSize }

// Close is a no-op; the datagram path lives as long as the session.
func (d *quicDatagrams) Close() error { return nil }

func classifyQUIC(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &appErr) || errors.As(err, &idleErr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)
	}
	return classify(err)
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: quicALPN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{quicALPN},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
