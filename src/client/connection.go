package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/ddp/src/common"
	"github.com/mosaicnetworks/ddp/src/livedata"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// StatusKind ...
type StatusKind string

const (
	// StatusOffline means no attempt is running or scheduled.
	StatusOffline StatusKind = "offline"
	// StatusConnecting means one attempt is dialing or in the handshake.
	StatusConnecting StatusKind = "connecting"
	// StatusConnected means a socket is established.
	StatusConnected StatusKind = "connected"
	// StatusWaiting means the last attempt failed and a retry is scheduled.
	StatusWaiting StatusKind = "waiting"
	// StatusFailed means the server refused our protocol version. Nothing is
	// retried.
	StatusFailed StatusKind = "failed"
)

// Status describes the connectivity of a Connection.
type Status struct {
	Connected  bool
	Status     StatusKind
	RetryCount int
	RetryTime  time.Time
	Reason     string
}

// Connection is a DDP client. It keeps one socket to the server alive,
// buffers requests made while disconnected and sends subscriptions again
// after every reconnection.
type Connection struct {
	target string
	opts   Options
	clock  clock.Clock
	logger *logrus.Entry

	status *common.LiveValue[Status]
	userID *common.LiveValue[string]

	mu            sync.Mutex
	socket        *Socket
	gen           uint64
	cancelAttempt context.CancelFunc
	retryTimer    *clock.Timer
	subs          map[string]*Subscription
	subOrder      []string
	queue         []*request
	collections   map[string]*livedata.RemoteCollection
	dirty         []*Subscription
	seq           uint64
	everConnected bool
	closed        bool
}

// New creates a Connection to target, the application URL for websocket
// dialers or an address for stream dialers. opts may be nil.
func New(target string, opts *Options) *Connection {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()

	c := &Connection{
		target:      target,
		opts:        o,
		clock:       o.Clock,
		logger:      o.Logger,
		status:      common.NewLiveValue(Status{Status: StatusOffline}),
		userID:      common.NewLiveValue(""),
		subs:        make(map[string]*Subscription),
		collections: make(map[string]*livedata.RemoteCollection),
	}

	if o.AutoConnect {
		c.Connect()
	}
	return c
}

// Status returns the current status.
func (c *Connection) Status() Status {
	return c.status.Get()
}

// LiveStatus returns the observable status.
func (c *Connection) LiveStatus() *common.LiveValue[Status] {
	return c.status
}

// UserID returns the observable id of the logged-in user, empty when nobody
// is logged in.
func (c *Connection) UserID() *common.LiveValue[string] {
	return c.userID
}

// Connect starts connecting unless an attempt is already running, scheduled,
// or succeeded.
func (c *Connection) Connect() {
	c.connect(false)
}

// Reconnect drops the current socket, if any, and connects again right away.
func (c *Connection) Reconnect() {
	c.connect(true)
}

func (c *Connection) connect(force bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch c.status.Get().Status {
	case StatusConnected, StatusConnecting, StatusWaiting:
		if !force {
			c.mu.Unlock()
			return
		}
	}
	c.startAttemptLocked()
	c.unlockAndNotify()
}

// Disconnect closes the socket and stays offline. Pending methods and pings
// fail with ErrShutdown; requests made while offline stay queued.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.status.Get().Status == StatusOffline {
		c.mu.Unlock()
		return
	}
	c.supersedeLocked()
	c.dropSocketLocked(false)
	c.status.Store(Status{Status: StatusOffline})
	c.unlockAndNotify()
}

// Close disconnects for good. Queued requests fail with ErrShutdown and
// every subscription is stopped.
func (c *Connection) Close() error {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queue := c.queue
	c.queue = nil
	for _, id := range c.subOrder {
		sub := c.subs[id]
		st := sub.state.Get()
		st.Stopped = true
		c.storeSubLocked(sub, st)
	}
	c.subs = make(map[string]*Subscription)
	c.subOrder = nil
	c.unlockAndNotify()

	for _, req := range queue {
		req.fut.fail(ErrShutdown)
	}
	return nil
}

// Go calls a method. The returned Future completes with its result.
func (c *Connection) Go(method string, params ...interface{}) *Future {
	if params == nil {
		params = []interface{}{}
	}
	return c.enqueue(&proto.Message{
		Msg:    proto.MsgMethod,
		Method: method,
		Params: params,
	})
}

// Call calls a method and waits for its result.
func (c *Connection) Call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	return c.Go(method, params...).Wait(ctx)
}

// GoPing sends a ping. The returned Future completes on the matching pong.
func (c *Connection) GoPing() *Future {
	return c.enqueue(&proto.Message{Msg: proto.MsgPing})
}

// Ping sends a ping and waits for the pong.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.GoPing().Wait(ctx)
	return err
}

// Subscribe asks the server for a publication. The subscription is kept
// across reconnections until it is stopped by either side.
func (c *Connection) Subscribe(name string, params ...interface{}) *Subscription {
	if params == nil {
		params = []interface{}{}
	}
	sub := &Subscription{
		id:     ulid.Make().String(),
		name:   name,
		params: params,
		conn:   c,
		state:  common.NewLiveValue(SubscriptionState{}),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.storeSubLocked(sub, SubscriptionState{Stopped: true})
		c.unlockAndNotify()
		return sub
	}
	c.subs[sub.id] = sub
	c.subOrder = append(c.subOrder, sub.id)

	sock := c.socket
	if sock == nil {
		c.mu.Unlock()
		return sub
	}
	if _, err := sock.registerSub(sub.id); err != nil {
		c.mu.Unlock()
		return sub
	}
	c.writeUnlock(sock, subMessage(sub.id, sub.name, sub.params))
	return sub
}

// Collection returns the local copy of a collection, creating it on first
// use.
func (c *Connection) Collection(name string) *livedata.RemoteCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectionLocked(name)
}

func (c *Connection) collectionLocked(name string) *livedata.RemoteCollection {
	coll, ok := c.collections[name]
	if !ok {
		coll = livedata.NewRemoteCollection(name, c)
		c.collections[name] = coll
	}
	return coll
}

func (c *Connection) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	if _, ok := c.subs[sub.id]; !ok {
		c.mu.Unlock()
		return
	}
	c.removeSubLocked(sub.id)
	st := sub.state.Get()
	st.Stopped = true
	c.storeSubLocked(sub, st)
	if sock := c.socket; sock != nil {
		c.writeUnlock(sock, &proto.Message{Msg: proto.MsgUnsub, ID: sub.id})
	} else {
		c.mu.Unlock()
	}
	c.notify()
}

func (c *Connection) enqueue(msg *proto.Message) *Future {
	fut := newFuture()
	if c.opts.Baggage != nil {
		msg.Baggage = c.opts.Baggage()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fut.fail(ErrShutdown)
		return fut
	}
	req := c.newRequestLocked(msg, fut)

	sock := c.socket
	if sock == nil {
		c.queue = append(c.queue, req)
		c.mu.Unlock()
		return fut
	}
	if err := sock.register(req); err != nil {
		c.mu.Unlock()
		return fut
	}
	c.writeUnlock(sock, req.msg)
	return fut
}

func (c *Connection) newRequestLocked(msg *proto.Message, fut *Future) *request {
	c.seq++
	msg.ID = ulid.Make().String()
	return &request{seq: c.seq, msg: msg, fut: fut}
}

func (c *Connection) newRequest(msg *proto.Message) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newRequestLocked(msg, newFuture())
}

// writeUnlock writes msgs on sock and releases c.mu. Messages registered
// under c.mu therefore reach the wire in registration order.
func (c *Connection) writeUnlock(sock *Socket, msgs ...*proto.Message) {
	if len(msgs) == 0 {
		c.mu.Unlock()
		return
	}
	if err := sock.sendUnlocking(c.mu.Unlock, msgs...); err != nil {
		c.writeFailed(sock, err)
	}
}

// writeFailed closes the socket so that its read loop ends and the pending
// requests are recovered.
func (c *Connection) writeFailed(sock *Socket, err error) {
	c.logger.WithError(err).Debug("Write failed")
	sock.conn.Close()
}

// startAttemptLocked supersedes whatever was running and starts a new dial.
func (c *Connection) startAttemptLocked() {
	c.supersedeLocked()
	c.dropSocketLocked(true)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel

	c.status.Store(Status{
		Status:     StatusConnecting,
		RetryCount: c.status.Get().RetryCount,
	})

	go c.runAttempt(ctx, c.gen)
}

// supersedeLocked invalidates the running attempt and the retry timer.
func (c *Connection) supersedeLocked() {
	c.gen++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// dropSocketLocked forgets the active socket. With requeue, requests still
// waiting for a response go back to the front of the queue; otherwise they
// fail with ErrShutdown.
func (c *Connection) dropSocketLocked(requeue bool) {
	if c.socket == nil {
		return
	}
	sock := c.socket
	c.socket = nil

	if requeue {
		pending := sock.drain()
		c.queue = append(pending, c.queue...)
	} else {
		sock.close()
	}

	for _, id := range c.subOrder {
		sub := c.subs[id]
		st := sub.state.Get()
		st.Ready = false
		c.storeSubLocked(sub, st)
	}
}

func (c *Connection) runAttempt(ctx context.Context, gen uint64) {
	logger := c.logger.WithField("attempt", gen)
	logger.Debug("Connecting")

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancelDial()

	conn, err := c.opts.Dialer.Dial(dialCtx, c.target, c.opts.Header)
	if err != nil {
		c.attemptFailed(gen, fmt.Errorf("dial: %w", err))
		return
	}

	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	sock := newSocket(conn, c.opts.Encapsulation, func(m *proto.Message) error {
		return c.handleLivedata(gen, m)
	}, logger)

	stopHandshakeTimeout := context.AfterFunc(dialCtx, func() { conn.Close() })
	session, err := sock.handshake()
	stopHandshakeTimeout()
	if err != nil {
		conn.Close()
		c.attemptFailed(gen, err)
		return
	}
	logger.WithField("session", session).Debug("Handshake complete")

	c.mu.Lock()
	if c.everConnected && gen == c.gen {
		for _, coll := range c.collections {
			coll.Reset()
		}
	}
	c.mu.Unlock()

	loginCtx, cancelLogin := context.WithCancel(ctx)
	defer cancelLogin()

	runErr := make(chan error, 1)
	go func() {
		err := sock.run()
		cancelLogin()
		runErr <- err
	}()

	if c.opts.FetchAuth != nil {
		if err := c.login(loginCtx, sock); err != nil {
			conn.Close()
			<-runErr
			c.attemptFailed(gen, err)
			return
		}
	}

	if !c.attemptSucceeded(gen, sock) {
		conn.Close()
		<-runErr
		return
	}
	logger.Info("Connected")

	var hb *heartbeat
	if c.opts.HeartbeatInterval > 0 {
		hb = newHeartbeat(c.clock, c.opts.HeartbeatInterval,
			func() *Future {
				req := c.newRequest(&proto.Message{Msg: proto.MsgPing})
				sock.sendRequest(req)
				return req.fut
			},
			func() {
				logger.Warn("Heartbeat timed out")
				conn.Close()
			})
		go hb.run()
	}

	err = <-runErr
	if hb != nil {
		hb.stop()
	}
	c.socketLost(gen, sock, err)
}

func (c *Connection) login(ctx context.Context, sock *Socket) error {
	auth, err := c.opts.FetchAuth(ctx)
	if err != nil {
		return fmt.Errorf("fetching credentials: %w", err)
	}
	if auth == nil {
		c.userID.Set("")
		return nil
	}

	req := c.newRequest(&proto.Message{
		Msg:    proto.MsgMethod,
		Method: "login",
		Params: []interface{}{auth},
	})
	res, err := sock.call(ctx, req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	userID := ""
	if obj, ok := res.(map[string]interface{}); ok {
		userID, _ = obj["id"].(string)
	}
	c.userID.Set(userID)
	return nil
}

// attemptSucceeded installs sock, sends the desired subscriptions and
// flushes the queue. It reports false if the attempt was superseded.
func (c *Connection) attemptSucceeded(gen uint64, sock *Socket) bool {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return false
	}

	c.socket = sock
	c.everConnected = true
	c.status.Store(Status{Connected: true, Status: StatusConnected})

	msgs := make([]*proto.Message, 0, len(c.subOrder)+len(c.queue))
	for _, id := range c.subOrder {
		sub := c.subs[id]
		if _, err := sock.registerSub(id); err != nil {
			c.logger.WithError(err).Error("Resubscribing")
			continue
		}
		msgs = append(msgs, subMessage(sub.id, sub.name, sub.params))
	}

	queue := c.queue
	c.queue = nil
	for _, req := range queue {
		if err := sock.register(req); err != nil {
			continue
		}
		msgs = append(msgs, req.msg)
	}
	c.writeUnlock(sock, msgs...)
	c.notify()
	return true
}

func (c *Connection) attemptFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}

	var verr *VersionError
	if errors.As(err, &verr) {
		c.logger.WithError(err).Error("Connection failed")
		c.status.Store(Status{Status: StatusFailed, Reason: err.Error()})
		c.unlockAndNotify()
		return
	}

	c.waitLocked(err)
	c.unlockAndNotify()
}

func (c *Connection) socketLost(gen uint64, sock *Socket, err error) {
	c.mu.Lock()
	if gen != c.gen || c.socket != sock {
		c.mu.Unlock()
		return
	}
	c.dropSocketLocked(true)
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	c.waitLocked(err)
	c.unlockAndNotify()
}

// waitLocked enters the waiting status and arms the retry timer.
func (c *Connection) waitLocked(err error) {
	entry := c.logger.WithError(err)
	var perr common.ProtocolErr
	if errors.As(err, &perr) {
		entry.Error("Protocol violation")
	} else {
		entry.Warn("Connection lost")
	}

	retry := c.status.Get().RetryCount + 1
	delay := c.opts.backoff(retry)
	c.status.Store(Status{
		Status:     StatusWaiting,
		RetryCount: retry,
		RetryTime:  c.clock.Now().Add(delay),
		Reason:     err.Error(),
	})

	gen := c.gen
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.retry(gen)
	})
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.status.Get().Status != StatusWaiting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.startAttemptLocked()
	c.unlockAndNotify()
}

// handleLivedata applies ready, nosub and document messages from the socket
// of attempt gen.
func (c *Connection) handleLivedata(gen uint64, m *proto.Message) error {
	switch m.Msg {
	case proto.MsgAdded, proto.MsgChanged, proto.MsgRemoved:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		coll := c.collectionLocked(m.Collection)
		c.mu.Unlock()
		return applyDocument(coll.Collection, m)

	case proto.MsgReady:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		for _, id := range m.Subs {
			if sub, ok := c.subs[id]; ok {
				st := sub.state.Get()
				st.Ready = true
				c.storeSubLocked(sub, st)
			}
		}
		c.unlockAndNotify()

	case proto.MsgNosub:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		if sub, ok := c.subs[m.ID]; ok {
			c.removeSubLocked(m.ID)
			st := sub.state.Get()
			st.Stopped = true
			st.Error = m.Error
			c.storeSubLocked(sub, st)
			if m.Error != nil {
				c.logger.WithField("sub_id", m.ID).WithError(m.Error).Warn("Subscription stopped")
			}
		}
		c.unlockAndNotify()
	}
	return nil
}

func applyDocument(coll *livedata.Collection, m *proto.Message) error {
	switch m.Msg {
	case proto.MsgAdded:
		return coll.AddDocument(m.ID, m.Fields)
	case proto.MsgChanged:
		return coll.ChangeDocument(m.ID, m.Fields, m.Cleared)
	default:
		return coll.RemoveDocument(m.ID)
	}
}

func (c *Connection) removeSubLocked(id string) {
	delete(c.subs, id)
	for i, o := range c.subOrder {
		if o == id {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
}

// storeSubLocked records a subscription state; subscribers are notified by
// unlockAndNotify.
func (c *Connection) storeSubLocked(sub *Subscription, st SubscriptionState) {
	if sub.state.Store(st) {
		c.dirty = append(c.dirty, sub)
	}
	if st.Stopped {
		sub.stopOnce.Do(func() { close(sub.done) })
	}
}

func (c *Connection) unlockAndNotify() {
	c.mu.Unlock()
	c.notify()
}

// notify delivers stored status and subscription states outside the lock.
func (c *Connection) notify() {
	c.mu.Lock()
	dirty := c.dirty
	c.dirty = nil
	c.mu.Unlock()

	if err := c.status.Flush(); err != nil {
		c.logger.WithError(err).Error("Status subscriber failed")
	}
	for _, sub := range dirty {
		if err := sub.state.Flush(); err != nil {
			c.logger.WithField("sub_id", sub.id).WithError(err).Error("Subscription subscriber failed")
		}
	}
}
