package net

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mosaicnetworks/ddp/src/proto"
)

// WebsocketConn carries one frame per websocket text message.
type WebsocketConn struct {
	conn *websocket.Conn

	writeLock sync.Mutex
	timeout   time.Duration
}

// NewWebsocketConn wraps an established websocket. A non-zero timeout is
// applied as a write deadline to every frame.
func NewWebsocketConn(conn *websocket.Conn, timeout time.Duration) *WebsocketConn {
	return &WebsocketConn{
		conn:    conn,
		timeout: timeout,
	}
}

// ReadFrame implements the Conn interface.
func (w *WebsocketConn) ReadFrame() (string, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

// WriteFrame implements the Conn interface.
func (w *WebsocketConn) WriteFrame(frame string) error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close implements the Conn interface. It attempts a clean close handshake
// before closing the socket.
func (w *WebsocketConn) Close() error {
	w.writeLock.Lock()
	w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	w.writeLock.Unlock()
	return w.conn.Close()
}

// RemoteAddr returns the address of the other end.
func (w *WebsocketConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// WebsocketDialer dials the websocket endpoint of a DDP application.
type WebsocketDialer struct {
	Encapsulation proto.Encapsulation
	Dialer        *websocket.Dialer
	Timeout       time.Duration
}

// NewWebsocketDialer ...
func NewWebsocketDialer(enc proto.Encapsulation, timeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		Encapsulation: enc,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		Timeout: timeout,
	}
}

// Dial implements the Dialer interface. target is the application URL.
func (d *WebsocketDialer) Dial(ctx context.Context, target string, header http.Header) (Conn, error) {
	u, err := WebsocketURL(target, d.Encapsulation)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", u, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", u, err)
	}

	return NewWebsocketConn(conn, d.Timeout), nil
}

// WebsocketURL returns the websocket endpoint of the application at appURL.
func WebsocketURL(appURL string, enc proto.Encapsulation) (string, error) {
	u, err := url.Parse(appURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, appURL)
	}

	sockPath := "websocket"
	if enc == proto.SockJS {
		sockPath = fmt.Sprintf("sockjs/%d/%08x/websocket", rand.Intn(1000), rand.Uint32())
	}
	u.Path = path.Join("/", u.Path, sockPath)

	return u.String(), nil
}
