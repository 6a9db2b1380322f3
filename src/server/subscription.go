package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/sirupsen/logrus"
)

// ErrSubscriptionStopped is returned by the document operations of a stopped
// Subscription.
var ErrSubscriptionStopped = errors.New("subscription stopped")

// Subscription is one running instance of a publication within a Session.
// Universal subscriptions, started from default publications, have an empty
// ID and never send ready or nosub.
type Subscription struct {
	session *Session
	id      string
	// identifies the subscription's contributions in PresentedCollections
	key     string
	name    string
	params  []interface{}
	handler PublicationHandler
	logger  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	ready   bool
	touched map[string]struct{}

	counted int32

	// closed once the subscription is ready or stopped
	settled    chan struct{}
	settleOnce sync.Once
	// pipes still reading a stream
	piping int32
}

func newSubscription(session *Session, id, key, name string, params []interface{}, handler PublicationHandler) *Subscription {
	ctx, cancel := context.WithCancel(session.ctx)
	return &Subscription{
		session: session,
		id:      id,
		key:     key,
		name:    name,
		params:  params,
		handler: handler,
		logger:  session.logger.WithFields(logrus.Fields{"sub_id": id, "publication": name}),
		ctx:     ctx,
		cancel:  cancel,
		touched: make(map[string]struct{}),
		settled: make(chan struct{}),
	}
}

// ID returns the client's id for the subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Name returns the publication name.
func (s *Subscription) Name() string {
	return s.name
}

// Session ...
func (s *Subscription) Session() *Session {
	return s.session
}

// UserID returns the identity of the session. Subscriptions are rerun when
// it changes.
func (s *Subscription) UserID() string {
	return s.session.UserID()
}

// Context is cancelled when the subscription stops.
func (s *Subscription) Context() context.Context {
	return s.ctx
}

// Added publishes a document.
func (s *Subscription) Added(collection, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSubscriptionStopped
	}
	s.touched[collection] = struct{}{}
	return s.session.collection(collection).added(s.key, id, fields)
}

// Changed updates fields of a document this subscription added. A nil
// value clears the field, like naming it in cleared.
func (s *Subscription) Changed(collection, id string, fields map[string]interface{}, cleared []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSubscriptionStopped
	}
	return s.session.collection(collection).changed(s.key, id, fields, cleared)
}

// Removed withdraws a document this subscription added. Other subscriptions
// may still publish it.
func (s *Subscription) Removed(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSubscriptionStopped
	}
	return s.session.collection(collection).removed(s.key, id)
}

// Ready tells the client that the initial documents have been sent. Only the
// first call has an effect.
func (s *Subscription) Ready() {
	s.mu.Lock()
	if s.stopped || s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.mu.Unlock()

	if s.id != "" {
		s.session.sendReady(s.id)
	}
	s.settle()
}

// Error stops the subscription and sends err to the client.
func (s *Subscription) Error(err error) {
	s.logger.WithError(err).Debug("Subscription failed")
	s.stop(proto.ErrorFrom(err))
}

// Stop stops the subscription, withdraws its documents and tells the client.
func (s *Subscription) Stop() {
	s.stop(nil)
}

func (s *Subscription) stop(perr *proto.Error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	touched := s.touched
	s.touched = make(map[string]struct{})
	s.mu.Unlock()

	s.cancel()
	s.uncount()
	defer s.settle()

	for name := range touched {
		if c := s.session.Collection(name); c != nil {
			if err := c.dropSub(s.key); err != nil {
				s.logger.WithError(err).Error("Dropping documents")
			}
		}
	}

	if s.id == "" {
		s.session.removeUniversal(s)
		return
	}
	s.session.removeSub(s)
	s.session.send(&proto.Message{Msg: proto.MsgNosub, ID: s.id, Error: perr})
}

// abort stops the subscription without touching its documents or telling
// the client. Used when the session reruns or closes.
func (s *Subscription) abort() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.uncount()
	s.settle()
}

func (s *Subscription) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

// wait blocks until the subscription is ready or stopped, or ctx is done.
func (s *Subscription) wait(ctx context.Context) {
	select {
	case <-s.settled:
	case <-ctx.Done():
	}
}

func (s *Subscription) uncount() {
	if atomic.CompareAndSwapInt32(&s.counted, 1, 0) {
		atomic.AddInt64(&s.session.server.subCount, -1)
	}
}

// start runs the publication handler and pipes the streams it returns.
// A handler that returns no streams drives the subscription itself and
// counts as settled once it returns.
func (s *Subscription) start() {
	if atomic.CompareAndSwapInt32(&s.counted, 0, 1) {
		atomic.AddInt64(&s.session.server.subCount, 1)
	}

	streams, err := s.runHandler()
	if err != nil {
		s.Error(err)
		return
	}
	if streams == nil {
		s.settle()
		return
	}
	if len(streams) == 0 {
		s.Ready()
		return
	}

	remaining := int32(len(streams))
	atomic.StoreInt32(&s.piping, int32(len(streams)))
	for _, st := range streams {
		st := st
		if !s.session.goFunc(func() { s.pipe(st, &remaining) }) {
			s.abort()
			return
		}
	}
}

func (s *Subscription) runHandler() (streams []Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Publication panicked")
			streams, err = nil, fmt.Errorf("publication %s panicked: %v", s.name, r)
		}
	}()
	return s.handler(s, s.params)
}

// pipe applies the events of one stream. The subscription becomes ready
// when remaining drops to zero, and settles when the last stream ends even if
// it never became ready.
func (s *Subscription) pipe(st Stream, remaining *int32) {
	defer func() {
		if atomic.AddInt32(&s.piping, -1) == 0 {
			s.settle()
		}
	}()

	ready := false
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-st:
			if !ok {
				return
			}

			var err error
			switch ev.Kind {
			case EventAdded:
				err = s.Added(ev.Collection, ev.ID, ev.Fields)
			case EventChanged:
				err = s.Changed(ev.Collection, ev.ID, ev.Fields, ev.Cleared)
			case EventRemoved:
				err = s.Removed(ev.Collection, ev.ID)
			case EventReady:
				if !ready {
					ready = true
					if atomic.AddInt32(remaining, -1) == 0 {
						s.Ready()
					}
				}
			case EventStop:
				if ev.Err != nil {
					s.Error(ev.Err)
				} else {
					s.Stop()
				}
				return
			}

			if errors.Is(err, ErrSubscriptionStopped) {
				return
			}
			if err != nil {
				s.Error(err)
				return
			}
		}
	}
}
