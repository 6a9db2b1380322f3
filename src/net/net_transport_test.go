package net

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mosaicnetworks/ddp/src/proto"
)

func TestInmemConnPair(t *testing.T) {
	a, b := NewInmemConnPair()

	for _, f := range []string{"one", "two", "three"} {
		if err := a.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}

	for _, expected := range []string{"one", "two", "three"} {
		got, err := b.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if got != expected {
			t.Fatalf("read %q, expected %q", got, expected)
		}
	}

	a.WriteFrame("last")
	a.Close()

	if got, err := b.ReadFrame(); err != nil || got != "last" {
		t.Fatalf("queued frame should survive close, got %q %v", got, err)
	}

	if _, err := b.ReadFrame(); err != io.EOF {
		t.Fatalf("read after close should be EOF, got %v", err)
	}

	if err := b.WriteFrame("x"); err != ErrTransportShutdown {
		t.Fatalf("write after close should fail, got %v", err)
	}
}

func TestInmemCloseUnblocksRead(t *testing.T) {
	a, b := NewInmemConnPair()

	done := make(chan error, 1)
	go func() {
		_, err := b.ReadFrame()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock")
	}
}

func TestStreamConn(t *testing.T) {
	stream, err := NewTCPStreamLayer("127.0.0.1:0", "")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := stream.Accept()
		if err != nil {
			return
		}
		accepted <- NewStreamConn(c, time.Second)
	}()

	dialer := NewTCPDialer(time.Second)
	client, err := dialer.Dial(context.Background(), stream.AdvertiseAddr(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	frame := `a["{\"msg\":\"ping\"}"]`
	if err := client.WriteFrame(frame); err != nil {
		t.Fatal(err)
	}

	got, err := server.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got != frame {
		t.Fatalf("read %q, expected %q", got, frame)
	}
}

func TestStreamDialerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocking := &StreamDialer{Stream: &blockingLayer{}}
	if _, err := blocking.Dial(ctx, "nowhere", nil); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type blockingLayer struct {
	TCPStreamLayer
}

func (b *blockingLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	time.Sleep(50 * time.Millisecond)
	return nil, io.ErrClosedPipe
}

func TestWebsocketURL(t *testing.T) {
	u, err := WebsocketURL("http://localhost:3000", proto.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if u != "ws://localhost:3000/websocket" {
		t.Fatalf("unexpected url %s", u)
	}

	u, err = WebsocketURL("https://example.com/app/", proto.SockJS)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "wss://example.com/app/sockjs/") || !strings.HasSuffix(u, "/websocket") {
		t.Fatalf("unexpected url %s", u)
	}

	if _, err := WebsocketURL("ftp://example.com", proto.Raw); err == nil {
		t.Fatal("ftp should be rejected")
	}
}
