package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/streamsock/internal/codec"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/util"
)

// Path is the HTTP path of the control endpoint.
const Path = "/control"

const (
	writeTimeout    = 5 * time.Second
	keepalivePeriod = 5 * time.Second
	maxMessageSize  = 1 << 20
	inboxSize       = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is an established control socket. Send may be called from any
// goroutine; Recv from one.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	inbox   chan *Message
	readErr error
	done    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// newConn starts the read and keepalive loops. A gorilla connection is
// unusable after a read deadline expires, so reads never time out here:
// the read loop blocks and Recv applies the timeout on the inbox.
func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		inbox:  make(chan *Message, inboxSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(3 * keepalivePeriod))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(3 * keepalivePeriod))
	})

	go c.readLoop()
	go c.keepalive()
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if typ != websocket.BinaryMessage {
			util.LogDebug("control: ignored non-binary message")
			continue
		}
		// Any traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(3 * keepalivePeriod))

		msg := &Message{}
		if err := codec.Unmarshal(data, msg); err != nil {
			util.LogWarning("control: malformed message: %v", err)
			continue
		}
		select {
		case c.inbox <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(keepalivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes one message.
func (c *Conn) Send(msg *Message) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: send %s: %w", protocol.ErrDisconnected, msg.Type, err)
	}
	return nil
}

// Recv waits up to timeout for the next message. It returns
// protocol.ErrTryAgain on timeout and protocol.ErrDisconnected once the
// connection is gone. A Close message from the peer is returned as a
// *ClosedError.
func (c *Conn) Recv(timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := c.recv(ctx.Done())
	if msg == nil && err == nil {
		return nil, protocol.ErrTryAgain
	}
	return msg, err
}

// RecvContext is Recv bounded by ctx instead of a timeout.
func (c *Conn) RecvContext(ctx context.Context) (*Message, error) {
	msg, err := c.recv(ctx.Done())
	if msg == nil && err == nil {
		return nil, ctx.Err()
	}
	return msg, err
}

// recv returns (nil, nil) when stop fires first.
func (c *Conn) recv(stop <-chan struct{}) (*Message, error) {
	select {
	case msg := <-c.inbox:
		return received(msg)
	case <-c.done:
		// Drain what arrived before the connection went away.
		select {
		case msg := <-c.inbox:
			return received(msg)
		default:
		}
		return nil, fmt.Errorf("%w: %w", protocol.ErrDisconnected, c.readErr)
	case <-stop:
		return nil, nil
	}
}

func received(msg *Message) (*Message, error) {
	if msg.Type == MsgClose {
		return nil, &ClosedError{Reason: msg.Reason}
	}
	return msg, nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tells the peer why the session ends and closes the connection.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if reason != "" {
			_ = c.Send(&Message{Type: MsgClose, Reason: reason})
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// ClosedError is returned by Recv when the peer ended the session.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	return "peer closed control socket: " + e.Reason
}

// Is makes a peer close match protocol.ErrDisconnected.
func (e *ClosedError) Is(target error) bool {
	return target == protocol.ErrDisconnected
}
