package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/streamsock/internal/bufpool"
	"github.com/1ureka/streamsock/internal/protocol"
)

func TestQUICSessionLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener, err := ListenQUIC("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	defer listener.Close()

	accepted := make(chan *QUICSession, 1)
	go func() {
		s, err := listener.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- s
	}()

	client, err := DialQUIC(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("DialQUIC: %v", err)
	}
	defer client.Close()

	server, ok := <-accepted
	if !ok {
		t.FailNow()
	}
	defer server.Close()

	// Reliable path.
	buf := append(make([]byte, protocol.ReliablePrefixSize), "hello"...)
	if err := NewReliableSender(client.Stream(), time.Second).Send(buf, protocol.StreamStatistics, 7); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pool := bufpool.New()
	q, _ := pool.Register(protocol.StreamStatistics, 1, 64)
	receiver := NewReliableReceiver(server.Stream(), 0)
	for {
		err := receiver.Recv(pool, 100*time.Millisecond)
		if err == nil {
			break
		}
		if !errors.Is(err, protocol.ErrTryAgain) {
			t.Fatalf("Recv: %v", err)
		}
	}
	pkt, err := q.Pop(time.Second)
	if err != nil || pkt.Index != 7 || string(pkt.Buffer[protocol.ReliablePrefixSize:]) != "hello" {
		t.Fatalf("reliable frame: index %d, err %v", pkt.Index, err)
	}

	// Unreliable path. Loopback rarely drops, but retry anyway.
	dg := server.Datagrams()
	if dg.MaxDatagramSize() != QUICMaxDatagramSize {
		t.Errorf("MaxDatagramSize: got %d", dg.MaxDatagramSize())
	}
	recvBuf := make([]byte, QUICMaxDatagramSize)
	for attempt := range 10 {
		if err := client.Datagrams().WriteDatagram([]byte("dg")); err != nil {
			t.Fatalf("WriteDatagram: %v", err)
		}
		n, err := dg.ReadDatagram(recvBuf, 200*time.Millisecond)
		if errors.Is(err, protocol.ErrTryAgain) {
			continue
		}
		if err != nil {
			t.Fatalf("ReadDatagram: %v", err)
		}
		if string(recvBuf[:n]) != "dg" {
			t.Fatalf("attempt %d: got %q", attempt, recvBuf[:n])
		}
		return
	}
	t.Fatal("no datagram arrived")
}
