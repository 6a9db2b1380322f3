package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mosaicnetworks/ddp/src/common"
	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrShutdown fails requests that were pending when the connection was
	// closed on purpose.
	ErrShutdown = errors.New("connection is shutting down")

	// ErrNoSub fails a subscription the server stopped before it was ready.
	ErrNoSub = errors.New("subscription stopped by the server")
)

// VersionError is returned by the handshake when the server does not speak
// our protocol version.
type VersionError struct {
	Version string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("server requires protocol version %q", e.Version)
}

// livedataHandler receives ready, nosub and document messages.
type livedataHandler func(*proto.Message) error

// Socket correlates the requests sent on one established connection with
// their responses.
type Socket struct {
	conn    xnet.Conn
	enc     proto.Encapsulation
	handler livedataHandler
	logger  *logrus.Entry

	mu        sync.Mutex
	methods   map[string]*request
	pings     map[string]*request
	subs      map[string]*Future
	readySubs map[string]struct{}
	shutdown  bool

	writeLock sync.Mutex

	// messages received in the same frame as the handshake reply
	backlog []string
}

func newSocket(conn xnet.Conn, enc proto.Encapsulation, handler livedataHandler, logger *logrus.Entry) *Socket {
	return &Socket{
		conn:      conn,
		enc:       enc,
		handler:   handler,
		logger:    logger,
		methods:   make(map[string]*request),
		pings:     make(map[string]*request),
		subs:      make(map[string]*Future),
		readySubs: make(map[string]struct{}),
	}
}

// handshake sends connect and reads until the server's reply. It returns the
// session id.
func (s *Socket) handshake() (string, error) {
	if err := s.send(proto.NewConnect()); err != nil {
		return "", err
	}

	sawBanner := false
	for {
		frame, err := s.readFrame()
		if err != nil {
			return "", err
		}

		if frame.Kind == proto.OpenBanner {
			if sawBanner {
				return "", common.NewProtocolErr(proto.OpenFrame, common.UnexpectedMessage, "second open banner")
			}
			sawBanner = true
			continue
		}

		for i, raw := range frame.Messages {
			m, err := proto.DecodeMessage(raw)
			if err != nil {
				return "", err
			}

			switch m.Msg {
			case "":
				continue
			case proto.MsgConnected:
				s.backlog = frame.Messages[i+1:]
				return m.Session, nil
			case proto.MsgFailed:
				return "", &VersionError{Version: m.Version}
			default:
				return "", common.NewProtocolErr(m.Msg, common.UnexpectedMessage, "expected connected")
			}
		}
	}
}

// run reads and dispatches messages until the connection fails or a
// protocol violation occurs. It always returns a non-nil error.
func (s *Socket) run() error {
	backlog := s.backlog
	s.backlog = nil
	for _, raw := range backlog {
		if err := s.dispatchRaw(raw); err != nil {
			return err
		}
	}

	for {
		frame, err := s.readFrame()
		if err != nil {
			return err
		}

		if frame.Kind == proto.OpenBanner {
			return common.NewProtocolErr(proto.OpenFrame, common.UnexpectedMessage, "open banner after handshake")
		}

		for _, raw := range frame.Messages {
			if err := s.dispatchRaw(raw); err != nil {
				return err
			}
		}
	}
}

// readFrame returns the next frame that is data or an open banner.
func (s *Socket) readFrame() (proto.Frame, error) {
	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			return proto.Frame{}, err
		}

		frame, err := proto.ParseServerFrame(s.enc, raw)
		if err != nil {
			return proto.Frame{}, err
		}

		switch frame.Kind {
		case proto.Heartbeat:
			continue
		case proto.Close:
			return proto.Frame{}, &proto.CloseError{Code: frame.CloseCode, Reason: frame.CloseReason}
		}
		return frame, nil
	}
}

func (s *Socket) dispatchRaw(raw string) error {
	m, err := proto.DecodeMessage(raw)
	if err != nil {
		return err
	}
	if m.Msg == "" {
		return nil
	}
	return s.dispatch(m)
}

func (s *Socket) dispatch(m *proto.Message) error {
	switch m.Msg {
	case proto.MsgReady:
		var ready []*Future
		s.mu.Lock()
		for _, id := range m.Subs {
			if fut, ok := s.subs[id]; ok {
				delete(s.subs, id)
				s.readySubs[id] = struct{}{}
				ready = append(ready, fut)
			}
		}
		s.mu.Unlock()
		for _, fut := range ready {
			fut.complete(nil, nil)
		}
		return s.handler(m)

	case proto.MsgNosub:
		s.mu.Lock()
		fut, pending := s.subs[m.ID]
		_, ready := s.readySubs[m.ID]
		delete(s.subs, m.ID)
		delete(s.readySubs, m.ID)
		s.mu.Unlock()

		switch {
		case pending:
			if m.Error != nil {
				fut.fail(m.Error)
			} else {
				fut.fail(ErrNoSub)
			}
		case !ready:
			return common.NewProtocolErr(m.Msg, common.UnknownID, m.ID)
		}
		return s.handler(m)

	case proto.MsgResult:
		s.mu.Lock()
		req, ok := s.methods[m.ID]
		delete(s.methods, m.ID)
		s.mu.Unlock()

		if !ok {
			return common.NewProtocolErr(m.Msg, common.UnknownID, m.ID)
		}
		if m.Error != nil {
			req.fut.fail(m.Error)
		} else {
			req.fut.complete(m.Result, nil)
		}
		return nil

	case proto.MsgPong:
		var done []*request
		s.mu.Lock()
		if m.ID == "" {
			for _, req := range s.pings {
				done = append(done, req)
			}
			s.pings = make(map[string]*request)
		} else if req, ok := s.pings[m.ID]; ok {
			delete(s.pings, m.ID)
			done = append(done, req)
		}
		s.mu.Unlock()

		if m.ID != "" && len(done) == 0 {
			s.logger.WithField("id", m.ID).Debug("Pong for unknown ping")
		}
		for _, req := range done {
			req.fut.complete(nil, nil)
		}
		return nil

	case proto.MsgPing:
		return s.send(&proto.Message{Msg: proto.MsgPong, ID: m.ID})

	case proto.MsgAdded, proto.MsgChanged, proto.MsgRemoved:
		return s.handler(m)

	case proto.MsgAddedBefore, proto.MsgMovedBefore:
		return common.NewProtocolErr(m.Msg, common.Unimplemented, "ordered publications")

	case proto.MsgUpdated:
		return nil

	case proto.MsgError:
		return common.NewProtocolErr(m.Msg, common.ServerError, m.Reason)

	case proto.MsgConnected, proto.MsgFailed:
		return common.NewProtocolErr(m.Msg, common.UnexpectedMessage, "handshake already done")
	}

	s.logger.WithField("msg", m.Msg).Debug("Ignoring unknown message")
	return nil
}

// send encodes and writes messages, in a single frame when the encapsulation
// allows it.
func (s *Socket) send(msgs ...*proto.Message) error {
	frames, err := s.frames(msgs)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.writeFramesLocked(frames)
}

// sendUnlocking is send for callers that registered msgs under their own
// lock. The write lock is taken before unlock is called, so writes leave in
// the order they were registered.
func (s *Socket) sendUnlocking(unlock func(), msgs ...*proto.Message) error {
	frames, err := s.frames(msgs)
	if err != nil {
		unlock()
		return err
	}

	s.writeLock.Lock()
	unlock()
	defer s.writeLock.Unlock()
	return s.writeFramesLocked(frames)
}

func (s *Socket) frames(msgs []*proto.Message) ([]string, error) {
	encoded := make([]string, 0, len(msgs))
	for _, m := range msgs {
		e, err := proto.EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, e)
	}
	return proto.ClientFrames(s.enc, encoded)
}

func (s *Socket) writeFramesLocked(frames []string) error {
	for _, f := range frames {
		if err := s.conn.WriteFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// register records req as waiting for a response. It must happen before the
// request is written so that the response cannot overtake it.
func (s *Socket) register(req *request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		req.fut.fail(ErrShutdown)
		return ErrShutdown
	}

	table := s.methods
	if req.msg.Msg == proto.MsgPing {
		table = s.pings
	}
	if _, dup := table[req.msg.ID]; dup {
		err := common.NewProtocolErr(req.msg.Msg, common.DuplicateID, req.msg.ID)
		req.fut.fail(err)
		return err
	}
	table[req.msg.ID] = req
	return nil
}

// sendRequest registers req and writes it. A write error leaves the request
// registered; it is recovered by drain when the read loop fails.
func (s *Socket) sendRequest(req *request) error {
	if err := s.register(req); err != nil {
		return err
	}
	return s.send(req.msg)
}

// call sends a method and waits for its result.
func (s *Socket) call(ctx context.Context, req *request) (interface{}, error) {
	if err := s.sendRequest(req); err != nil {
		return nil, err
	}
	return req.fut.Wait(ctx)
}

// registerSub records a subscription as waiting for ready. The returned
// Future completes when it is.
func (s *Socket) registerSub(id string) (*Future, error) {
	fut := newFuture()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.subs[id]; dup {
		err := common.NewProtocolErr(proto.MsgSub, common.DuplicateID, id)
		fut.fail(err)
		return fut, err
	}
	s.subs[id] = fut
	delete(s.readySubs, id)
	return fut, nil
}

// subscribe registers and sends a sub message.
func (s *Socket) subscribe(id, name string, params []interface{}) (*Future, error) {
	fut, err := s.registerSub(id)
	if err != nil {
		return fut, err
	}
	return fut, s.send(subMessage(id, name, params))
}

func subMessage(id, name string, params []interface{}) *proto.Message {
	if params == nil {
		params = []interface{}{}
	}
	return &proto.Message{
		Msg:    proto.MsgSub,
		ID:     id,
		Name:   name,
		Params: params,
	}
}

// close fails pending methods and pings with ErrShutdown and closes the
// connection. Pending subscriptions are left alone, to be sent again on the
// next connection.
func (s *Socket) close() {
	for _, req := range s.takePending() {
		req.fut.fail(ErrShutdown)
	}
	s.conn.Close()
}

// drain closes the connection and returns the requests still waiting for a
// response, in the order they were made.
func (s *Socket) drain() []*request {
	pending := s.takePending()
	s.conn.Close()
	return pending
}

func (s *Socket) takePending() []*request {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = true
	pending := make([]*request, 0, len(s.methods)+len(s.pings))
	for _, req := range s.methods {
		pending = append(pending, req)
	}
	for _, req := range s.pings {
		pending = append(pending, req)
	}
	s.methods = make(map[string]*request)
	s.pings = make(map[string]*request)

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].seq < pending[j].seq
	})
	return pending
}
