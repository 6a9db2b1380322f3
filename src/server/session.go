package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Session is the server side of one client connection.
//
// Locks are taken in the order Subscription.mu, Session.mu,
// PresentedCollection.mu, Session.writeMu.
type Session struct {
	id     string
	server *Server
	conn   xnet.Conn
	enc    proto.Encapsulation
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	// serializes identity changes
	rerunMu sync.Mutex

	mu           sync.Mutex
	registered   bool
	closed       bool
	userID       string
	subs         map[string]*Subscription
	subOrder     []string
	universal    []*Subscription
	nextUniverse int
	collections  map[string]*PresentedCollection
	rerunning    bool
	pendingReady []string
	deferredPubs []defaultPublication
	closeHooks   []func()

	closeOnce sync.Once

	// goroutines started by the session
	routines sync.WaitGroup
}

func newSession(server *Server, conn xnet.Conn, enc proto.Encapsulation) *Session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		server:      server,
		conn:        conn,
		enc:         enc,
		logger:      server.logger.WithField("session", id),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]*Subscription),
		collections: make(map[string]*PresentedCollection),
	}
}

// ID returns the session id sent to the client in the connected message.
func (s *Session) ID() string {
	return s.id
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// UserID returns the identity set with SetUserID.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// OnClose registers fn to run when the session closes. If it is already
// closed, fn runs right away.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeHooks = append(s.closeHooks, fn)
	s.mu.Unlock()
}

// Collection returns the client's view of a collection, or nil if nothing
// was ever published to it.
func (s *Session) Collection(name string) *PresentedCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[name]
}

// Close ends the session and its subscriptions.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.closed = true
		subs := s.allSubsLocked()
		hooks := s.closeHooks
		s.closeHooks = nil
		s.mu.Unlock()

		for _, sub := range subs {
			sub.abort()
		}
		s.server.unregister(s)

		for _, hook := range hooks {
			hook()
		}
		s.conn.Close()
		s.logger.Debug("Session closed")
	})
	return nil
}

// goFunc runs f in a goroutine tracked by the session. It reports false,
// without running f, once the session is closed.
func (s *Session) goFunc(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.routines.Add(1)
	go func() {
		defer s.routines.Done()
		f()
	}()
	return true
}

// waitRoutines blocks until every goroutine started by goFunc has returned.
// The session must be closed.
func (s *Session) waitRoutines() {
	s.routines.Wait()
}

// shut closes a session that was never served.
func (s *Session) shut() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.conn.Close()
	})
}

func (s *Session) serve() {
	defer s.Close()

	if s.enc == proto.SockJS {
		if err := s.writeFrame(proto.OpenFrame); err != nil {
			return
		}
	}

	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			s.logger.WithError(err).Debug("Read loop ended")
			return
		}

		frame, err := proto.ParseClientFrame(s.enc, raw)
		if err != nil {
			s.logger.WithError(err).Warn("Bad frame")
			return
		}

		for _, m := range frame.Messages {
			atomic.AddUint64(&s.server.messagesIn, 1)
			msg, err := proto.DecodeMessage(m)
			if err != nil {
				s.sendError("Parse error", nil)
				continue
			}
			s.handle(msg)
		}
	}
}

func (s *Session) handle(m *proto.Message) {
	s.mu.Lock()
	registered := s.registered
	s.mu.Unlock()

	if !registered {
		if m.Msg != proto.MsgConnect {
			s.sendError("Must connect first", m)
			return
		}
		s.handleConnect(m)
		return
	}

	switch m.Msg {
	case proto.MsgConnect:
		s.sendError("Already connected", m)
	case proto.MsgPing:
		s.send(&proto.Message{Msg: proto.MsgPong, ID: m.ID})
	case proto.MsgPong:
	case proto.MsgMethod:
		s.handleMethod(m)
	case proto.MsgSub:
		s.handleSub(m)
	case proto.MsgUnsub:
		s.handleUnsub(m)
	default:
		s.sendError("Bad request", m)
	}
}

func (s *Session) handleConnect(m *proto.Message) {
	if m.Version != proto.Version {
		s.logger.WithField("version", m.Version).Info("Unsupported protocol version")
		s.send(&proto.Message{Msg: proto.MsgFailed, Version: proto.Version})
		s.Close()
		return
	}

	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()

	if err := s.send(&proto.Message{Msg: proto.MsgConnected, Session: s.id}); err != nil {
		s.Close()
		return
	}

	if err := s.server.register(s); err != nil {
		s.Close()
		return
	}
	s.logger.Debug("Session registered")
}

func (s *Session) handleMethod(m *proto.Message) {
	if m.ID == "" || m.Method == "" {
		s.sendError("Malformed method invocation", m)
		return
	}

	atomic.AddUint64(&s.server.methodCalls, 1)
	logger := s.logger.WithField("method", m.Method)

	var perr *proto.Error
	result, err := s.invoke(m)
	if err != nil {
		atomic.AddUint64(&s.server.methodErrors, 1)
		perr = proto.ErrorFrom(err)
		logger.WithError(err).Debug("Method failed")
	}

	s.send(
		&proto.Message{Msg: proto.MsgResult, ID: m.ID, Result: result, Error: perr},
		&proto.Message{Msg: proto.MsgUpdated, Methods: []string{m.ID}},
	)
}

func (s *Session) invoke(m *proto.Message) (result interface{}, err error) {
	handler, ok := s.server.method(m.Method)
	if !ok {
		return nil, proto.NewError(404.0, fmt.Sprintf("Method '%s' not found", m.Method))
	}

	seed, _ := m.RandomSeed.(string)
	call := &MethodCall{
		Session: s,
		Name:    m.Method,
		Params:  m.Params,
		Random:  NewRandomStream(seed),
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("method", m.Method).WithField("panic", r).Error("Method panicked")
			result, err = nil, fmt.Errorf("method %s panicked: %v", m.Method, r)
		}
	}()
	return handler(s.ctx, call)
}

func (s *Session) handleSub(m *proto.Message) {
	if m.ID == "" || m.Name == "" {
		s.sendError("Malformed subscription", m)
		return
	}

	handler, ok := s.server.publication(m.Name)
	if !ok {
		s.send(&proto.Message{
			Msg:   proto.MsgNosub,
			ID:    m.ID,
			Error: proto.NewError(404.0, fmt.Sprintf("Subscription '%s' not found", m.Name)),
		})
		return
	}

	s.mu.Lock()
	if _, dup := s.subs[m.ID]; dup || s.closed {
		s.mu.Unlock()
		return
	}
	sub := newSubscription(s, m.ID, m.ID, m.Name, m.Params, handler)
	s.subs[m.ID] = sub
	s.subOrder = append(s.subOrder, m.ID)
	s.mu.Unlock()

	sub.start()
}

func (s *Session) handleUnsub(m *proto.Message) {
	s.mu.Lock()
	sub, ok := s.subs[m.ID]
	s.mu.Unlock()

	if !ok {
		s.send(&proto.Message{Msg: proto.MsgNosub, ID: m.ID})
		return
	}
	sub.stop(nil)
}

func (s *Session) startUniversal(pub defaultPublication) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.rerunning {
		s.deferredPubs = append(s.deferredPubs, pub)
		s.mu.Unlock()
		return
	}
	sub := s.newUniversalLocked(pub)
	s.mu.Unlock()

	sub.start()
}

func (s *Session) newUniversalLocked(pub defaultPublication) *Subscription {
	s.nextUniverse++
	key := fmt.Sprintf("#%d", s.nextUniverse)
	sub := newSubscription(s, "", key, pub.label, nil, pub.handler)
	s.universal = append(s.universal, sub)
	return sub
}

// SetUserID changes the identity of the session and reruns every
// subscription under it. The client receives the difference between the
// documents published before and after as one batch, followed by the ready
// messages of the rerun subscriptions. It blocks until every rerun
// subscription is ready or stopped.
func (s *Session) SetUserID(userID string) error {
	s.rerunMu.Lock()
	defer s.rerunMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.rerunning = true
	old := s.allSubsLocked()
	colls := make([]*PresentedCollection, 0, len(s.collections))
	for _, c := range s.collections {
		colls = append(colls, c)
	}
	s.mu.Unlock()

	for _, sub := range old {
		sub.abort()
	}
	for _, c := range colls {
		c.startRerun()
	}

	s.mu.Lock()
	s.userID = userID
	restarted := make([]*Subscription, 0, len(old))
	for _, id := range s.subOrder {
		prev := s.subs[id]
		sub := newSubscription(s, prev.id, prev.key, prev.name, prev.params, prev.handler)
		s.subs[id] = sub
		restarted = append(restarted, sub)
	}
	universal := s.universal
	s.universal = make([]*Subscription, 0, len(universal))
	for _, prev := range universal {
		sub := newSubscription(s, "", prev.key, prev.name, nil, prev.handler)
		s.universal = append(s.universal, sub)
		restarted = append(restarted, sub)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"subscriptions": len(restarted),
	}).Debug("Rerunning subscriptions")

	var g errgroup.Group
	for _, sub := range restarted {
		sub := sub
		g.Go(func() error {
			sub.start()
			sub.wait(s.ctx)
			return nil
		})
	}
	g.Wait()

	return s.flushRerun()
}

// flushRerun sends the rerun diff of every collection and the queued ready
// messages in one uninterrupted write.
func (s *Session) flushRerun() error {
	s.mu.Lock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	colls := make([]*PresentedCollection, 0, len(names))
	for _, name := range names {
		c := s.collections[name]
		c.mu.Lock()
		colls = append(colls, c)
	}

	msgs := []*proto.Message{}
	for _, c := range colls {
		msgs = append(msgs, c.flushRerunLocked()...)
	}

	if len(s.pendingReady) > 0 {
		msgs = append(msgs, &proto.Message{Msg: proto.MsgReady, Subs: s.pendingReady})
	}
	s.pendingReady = nil
	s.rerunning = false
	deferred := s.deferredPubs
	s.deferredPubs = nil

	err := s.send(msgs...)
	for _, c := range colls {
		c.mu.Unlock()
	}
	s.mu.Unlock()

	for _, pub := range deferred {
		s.startUniversal(pub)
	}
	return err
}

// collection returns the presented collection for name, creating it.
func (s *Session) collection(name string) *PresentedCollection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = newPresentedCollection(name, s.send)
		if s.rerunning {
			c.startInRerun()
		}
		s.collections[name] = c
	}
	return c
}

func (s *Session) sendReady(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rerunning {
		s.pendingReady = append(s.pendingReady, id)
		return
	}
	s.send(&proto.Message{Msg: proto.MsgReady, Subs: []string{id}})
}

// removeSub forgets a stopped named subscription.
func (s *Session) removeSub(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[sub.id] != sub {
		return
	}
	delete(s.subs, sub.id)
	s.subOrder = removeString(s.subOrder, sub.id)
}

func (s *Session) removeUniversal(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.universal {
		if u == sub {
			s.universal = append(s.universal[:i], s.universal[i+1:]...)
			return
		}
	}
}

func (s *Session) allSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subOrder)+len(s.universal))
	for _, id := range s.subOrder {
		subs = append(subs, s.subs[id])
	}
	return append(subs, s.universal...)
}

func (s *Session) sendError(reason string, offending *proto.Message) {
	m := &proto.Message{Msg: proto.MsgError, Reason: reason}
	if offending != nil {
		m.OffendingMessage = offending
	}
	s.send(m)
}

// send writes messages in order, in one frame with the sockjs encapsulation.
func (s *Session) send(msgs ...*proto.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	encoded := make([]string, 0, len(msgs))
	for _, m := range msgs {
		e, err := proto.EncodeMessage(m)
		if err != nil {
			s.logger.WithError(err).Error("Encoding message")
			return err
		}
		encoded = append(encoded, e)
	}

	frames, err := proto.ServerFrames(s.enc, encoded)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, f := range frames {
		if err := s.conn.WriteFrame(f); err != nil {
			s.logger.WithError(err).Debug("Write failed")
			return err
		}
	}
	atomic.AddUint64(&s.server.messagesOut, uint64(len(msgs)))
	return nil
}

func (s *Session) writeFrame(frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(frame)
}
