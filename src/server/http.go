package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/proto"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades requests for /websocket to raw DDP sessions and requests
// for /sockjs/<server>/<session>/websocket to sockjs-framed sessions.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/websocket") {
		http.NotFound(w, r)
		return
	}

	enc := proto.Raw
	if strings.Contains(r.URL.Path, "/sockjs/") {
		enc = proto.SockJS
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	sess := s.ServeConn(xnet.NewWebsocketConn(conn, writeTimeout), enc)
	if sess.Context().Err() == nil {
		sess.logger.WithField("remote", r.RemoteAddr).Debug("Websocket session")
	}
}

// ServeTCP accepts newline-framed raw DDP sessions on l until it is closed.
func (s *Server) ServeTCP(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return nil
			}
			return err
		}

		sess := s.ServeConn(xnet.NewStreamConn(conn, writeTimeout), proto.Raw)
		if sess.Context().Err() == nil {
			sess.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Stream session")
		}
	}
}
