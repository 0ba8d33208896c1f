package control

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// Listener is the client-side control endpoint. At most one connecting
// server waits for Accept; others are refused.
type Listener struct {
	listener net.Listener
	server   *http.Server
	connCh   chan *websocket.Conn
}

// Listen serves the control endpoint on addr (":9943", "127.0.0.1:0").
func Listen(addr string) (*Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen control socket %s: %w", addr, err)
	}

	l := &Listener{
		listener: listener,
		connCh:   make(chan *websocket.Conn, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, l.handleWS)
	l.server = &http.Server{Handler: mux}

	go func() {
		_ = l.server.Serve(listener)
	}()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first server.
	select {
	case l.connCh <- ws:
	default:
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		ws.Close()
	}
}

// Accept blocks until a server connects or ctx is cancelled.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case ws := <-l.connCh:
		return newConn(ws), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops serving. Established connections stay open.
func (l *Listener) Close() error {
	return l.server.Close()
}

// Dial connects to a client's control endpoint at host:port.
func Dial(ctx context.Context, hostport string) (*Conn, error) {
	url := "ws://" + hostport + Path
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", url, err)
	}
	return newConn(ws), nil
}
