package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("session closed")

// MethodCall describes one method invocation.
type MethodCall struct {
	Session *Session
	Name    string
	Params  []interface{}
	// Random is seeded from the client's randomSeed when it sent one.
	Random *RandomStream
}

// MethodHandler implements a method. A returned *proto.Error is sent to the
// client as is; any other error becomes a generic server error.
type MethodHandler func(ctx context.Context, call *MethodCall) (interface{}, error)

// PublicationHandler starts a subscription. It either drives sub itself and
// returns no streams, or returns streams whose events are applied to sub.
type PublicationHandler func(sub *Subscription, params []interface{}) ([]Stream, error)

// Stats are the counters of a Server.
type Stats struct {
	Sessions      int64  `json:"sessions"`
	Subscriptions int64  `json:"subscriptions"`
	TotalSessions uint64 `json:"total_sessions"`
	MessagesIn    uint64 `json:"messages_in"`
	MessagesOut   uint64 `json:"messages_out"`
	Methods       uint64 `json:"methods"`
	MethodErrors  uint64 `json:"method_errors"`
}

type defaultPublication struct {
	label   string
	handler PublicationHandler
}

// Server dispatches the sessions of its clients to the registered methods and
// publications.
type Server struct {
	logger *logrus.Entry

	mu           sync.RWMutex
	methods      map[string]MethodHandler
	publications map[string]PublicationHandler
	defaultPubs  []defaultPublication
	connHandlers map[int]func(*Session)
	nextHandler  int
	sessions     map[string]*Session
	// every served session, registered or not
	live   map[*Session]struct{}
	closed bool
	wg     sync.WaitGroup

	sessionCount  int64
	subCount      int64
	totalSessions uint64
	messagesIn    uint64
	messagesOut   uint64
	methodCalls   uint64
	methodErrors  uint64
}

// New ...
func New(logger *logrus.Entry) *Server {
	if logger == nil {
		l := logrus.New()
		l.Level = logrus.InfoLevel
		logger = l.WithField("prefix", "ddp-server")
	}
	return &Server{
		logger:       logger,
		methods:      make(map[string]MethodHandler),
		publications: make(map[string]PublicationHandler),
		connHandlers: make(map[int]func(*Session)),
		sessions:     make(map[string]*Session),
		live:         make(map[*Session]struct{}),
	}
}

// AddMethod registers a method. It panics if the name is taken.
func (s *Server) AddMethod(name string, handler MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.methods[name]; ok {
		panic(fmt.Sprintf("method %q already registered", name))
	}
	s.methods[name] = handler
}

// AddPublication registers a named publication. It panics if the name is
// taken.
func (s *Server) AddPublication(name string, handler PublicationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.publications[name]; ok {
		panic(fmt.Sprintf("publication %q already registered", name))
	}
	s.publications[name] = handler
}

// AddDefaultPublication registers a publication that every session receives
// without subscribing. It starts on the sessions already connected too.
func (s *Server) AddDefaultPublication(label string, handler PublicationHandler) {
	pub := defaultPublication{label: label, handler: handler}

	s.mu.Lock()
	s.defaultPubs = append(s.defaultPubs, pub)
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.startUniversal(pub)
	}
}

// OnConnection calls handler with every new session once it has completed
// the handshake. The returned function unregisters it.
func (s *Server) OnConnection(handler func(*Session)) func() {
	s.mu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.connHandlers[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.connHandlers, id)
		s.mu.Unlock()
	}
}

// ServeConn runs a session on conn until either side closes it. Once the
// server is closed, conn is closed right away and the returned Session is
// already closed.
func (s *Server) ServeConn(conn xnet.Conn, enc proto.Encapsulation) *Session {
	sess := newSession(s, conn, enc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.shut()
		return sess
	}
	s.live[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sess.serve()
		sess.waitRoutines()

		s.mu.Lock()
		delete(s.live, sess)
		s.mu.Unlock()
	}()
	return sess
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions:      atomic.LoadInt64(&s.sessionCount),
		Subscriptions: atomic.LoadInt64(&s.subCount),
		TotalSessions: atomic.LoadUint64(&s.totalSessions),
		MessagesIn:    atomic.LoadUint64(&s.messagesIn),
		MessagesOut:   atomic.LoadUint64(&s.messagesOut),
		Methods:       atomic.LoadUint64(&s.methodCalls),
		MethodErrors:  atomic.LoadUint64(&s.methodErrors),
	}
}

// Sessions returns the registered sessions.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		res = append(res, sess)
	}
	return res
}

// Close closes every session, including those still in the handshake, and
// waits for their goroutines. New connections are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs error
	for _, sess := range sessions {
		errs = multierr.Append(errs, sess.Close())
	}
	s.wg.Wait()
	return errs
}

func (s *Server) method(name string) (MethodHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.methods[name]
	return h, ok
}

func (s *Server) publication(name string) (PublicationHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.publications[name]
	return h, ok
}

// register adds a session that completed the handshake, starts the default
// publications on it and runs the connection handlers.
func (s *Server) register(sess *Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.sessions[sess.id] = sess
	pubs := append([]defaultPublication(nil), s.defaultPubs...)
	handlers := make([]func(*Session), 0, len(s.connHandlers))
	for i := 0; i < s.nextHandler; i++ {
		if h, ok := s.connHandlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	atomic.AddInt64(&s.sessionCount, 1)
	atomic.AddUint64(&s.totalSessions, 1)

	for _, pub := range pubs {
		sess.startUniversal(pub)
	}
	for _, h := range handlers {
		s.runConnHandler(h, sess)
	}
	return nil
}

func (s *Server) runConnHandler(h func(*Session), sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.WithField("panic", r).Error("Connection handler panicked")
		}
	}()
	h(sess)
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	if ok {
		atomic.AddInt64(&s.sessionCount, -1)
	}
}
