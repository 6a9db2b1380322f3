package server

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/mosaicnetworks/ddp/src/common"
	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/proto"
)

const testTimeout = 5 * time.Second

// rawClient speaks the wire protocol directly to a Session.
type rawClient struct {
	t      *testing.T
	conn   xnet.Conn
	enc    proto.Encapsulation
	frames chan proto.Frame
	queue  []*proto.Message
}

func newRawClient(t *testing.T, srv *Server, enc proto.Encapsulation) (*rawClient, *Session) {
	clientEnd, serverEnd := xnet.NewInmemConnPair()
	sess := srv.ServeConn(serverEnd, enc)

	c := &rawClient{
		t:      t,
		conn:   clientEnd,
		enc:    enc,
		frames: make(chan proto.Frame, 1000),
	}
	go func() {
		defer close(c.frames)
		for {
			raw, err := clientEnd.ReadFrame()
			if err != nil {
				return
			}
			f, err := proto.ParseServerFrame(enc, raw)
			if err != nil {
				return
			}
			c.frames <- f
		}
	}()
	return c, sess
}

func (c *rawClient) send(msgs ...*proto.Message) {
	c.t.Helper()
	encoded := []string{}
	for _, m := range msgs {
		e, err := proto.EncodeMessage(m)
		if err != nil {
			c.t.Fatal(err)
		}
		encoded = append(encoded, e)
	}
	frames, err := proto.ClientFrames(c.enc, encoded)
	if err != nil {
		c.t.Fatal(err)
	}
	for _, f := range frames {
		if err := c.conn.WriteFrame(f); err != nil {
			c.t.Fatal(err)
		}
	}
}

func (c *rawClient) nextFrame() proto.Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return f
	case <-time.After(testTimeout):
		c.t.Fatal("timeout waiting for a frame")
	}
	return proto.Frame{}
}

func (c *rawClient) next() *proto.Message {
	c.t.Helper()
	for len(c.queue) == 0 {
		f := c.nextFrame()
		for _, raw := range f.Messages {
			m, err := proto.DecodeMessage(raw)
			if err != nil {
				c.t.Fatal(err)
			}
			c.queue = append(c.queue, m)
		}
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m
}

func (c *rawClient) expect(expected *proto.Message) {
	c.t.Helper()
	m := c.next()
	if !reflect.DeepEqual(m, expected) {
		c.t.Fatalf("expected %#v, got %#v", expected, m)
	}
}

func (c *rawClient) connect() string {
	c.t.Helper()
	c.send(proto.NewConnect())
	m := c.next()
	if m.Msg != proto.MsgConnected || m.Session == "" {
		c.t.Fatalf("expected connected, got %#v", m)
	}
	return m.Session
}

func (c *rawClient) expectClosed() {
	c.t.Helper()
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-time.After(testTimeout):
			c.t.Fatal("connection should be closed")
		}
	}
}

func newTestServer(t *testing.T) *Server {
	return New(common.NewTestEntry(t, "server"))
}

func TestMustConnectFirst(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c, _ := newRawClient(t, srv, proto.Raw)

	method := &proto.Message{Msg: proto.MsgMethod, ID: "1", Method: "foo", Params: []interface{}{}}
	c.send(method)

	m := c.next()
	if m.Msg != proto.MsgError || m.Reason != "Must connect first" {
		t.Fatalf("expected a must-connect error, got %#v", m)
	}
	offending, ok := m.OffendingMessage.(map[string]interface{})
	if !ok || offending["msg"] != "method" || offending["id"] != "1" {
		t.Fatalf("offendingMessage should echo the method, got %#v", m.OffendingMessage)
	}

	c.connect()
}

func TestUnsupportedVersion(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c, _ := newRawClient(t, srv, proto.Raw)

	c.send(&proto.Message{Msg: proto.MsgConnect, Version: "pre2", Support: []string{"pre2"}})
	c.expect(&proto.Message{Msg: proto.MsgFailed, Version: "1"})
	c.expectClosed()

	if n := srv.Stats().Sessions; n != 0 {
		t.Fatalf("a failed session should not be registered, got %d sessions", n)
	}
}

func TestPingMethodsAndUnknowns(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	srv.AddMethod("add", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		a, _ := call.Params[0].(float64)
		b, _ := call.Params[1].(float64)
		return a + b, nil
	})
	srv.AddMethod("boom", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		panic("boom")
	})
	srv.AddMethod("denied", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		return nil, proto.NewError(403.0, "Access denied")
	})

	c, _ := newRawClient(t, srv, proto.Raw)
	c.connect()

	c.send(&proto.Message{Msg: proto.MsgPing, ID: "p1"})
	c.expect(&proto.Message{Msg: proto.MsgPong, ID: "p1"})

	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m1", Method: "add", Params: []interface{}{1.0, 2.0}})
	c.expect(&proto.Message{Msg: proto.MsgResult, ID: "m1", Result: 3.0})
	c.expect(&proto.Message{Msg: proto.MsgUpdated, Methods: []string{"m1"}})

	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m2", Method: "nope", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgResult, ID: "m2", Error: proto.NewError(404.0, "Method 'nope' not found")})
	c.expect(&proto.Message{Msg: proto.MsgUpdated, Methods: []string{"m2"}})

	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m3", Method: "denied", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgResult, ID: "m3", Error: proto.NewError(403.0, "Access denied")})
	c.expect(&proto.Message{Msg: proto.MsgUpdated, Methods: []string{"m3"}})

	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m4", Method: "boom", Params: []interface{}{}})
	m := c.next()
	if m.Msg != proto.MsgResult || m.Error == nil || m.Error.Code != "server-error" {
		t.Fatalf("a panicking method should return a server error, got %#v", m)
	}
	c.next() // updated

	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s1", Name: "nope", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgNosub, ID: "s1", Error: proto.NewError(404.0, "Subscription 'nope' not found")})

	c.send(&proto.Message{Msg: proto.MsgUnsub, ID: "s2"})
	c.expect(&proto.Message{Msg: proto.MsgNosub, ID: "s2"})

	c.send(&proto.Message{Msg: "frobnicate"})
	m = c.next()
	if m.Msg != proto.MsgError || m.Reason != "Bad request" {
		t.Fatalf("expected a bad request error, got %#v", m)
	}

	if s := srv.Stats(); s.Methods != 4 || s.MethodErrors != 3 {
		t.Fatalf("unexpected method stats %+v", s)
	}
}

func TestRandomSeed(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	srv.AddMethod("newID", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		return call.Random.ID(), nil
	})

	c, _ := newRawClient(t, srv, proto.Raw)
	c.connect()

	ids := []interface{}{}
	for i := 0; i < 2; i++ {
		c.send(&proto.Message{Msg: proto.MsgMethod, ID: fmt.Sprint(i), Method: "newID", Params: []interface{}{}, RandomSeed: "seed"})
		m := c.next()
		c.next()
		ids = append(ids, m.Result)
	}

	if ids[0] != ids[1] || ids[0] != NewRandomStream("seed").ID() {
		t.Fatalf("ids from the same seed should match: %v", ids)
	}
	if len(ids[0].(string)) != 17 {
		t.Fatalf("ids should have 17 characters: %v", ids[0])
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	stopped := make(chan struct{})
	srv.AddPublication("single", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		sub.Added("things", "1", map[string]interface{}{"name": params[0]})
		sub.Ready()
		if params[0] == "two" {
			go func() {
				<-sub.Context().Done()
				close(stopped)
			}()
		}
		return nil, nil
	})
	srv.AddPublication("failing", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		return nil, proto.NewError("not-allowed", "Not allowed")
	})

	c, _ := newRawClient(t, srv, proto.Raw)
	c.connect()

	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s1", Name: "single", Params: []interface{}{"one"}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "things", ID: "1", Fields: proto.Fields{"name": "one"}})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s1"}})

	// a second sub for the same document only adds what is new
	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s2", Name: "single", Params: []interface{}{"two"}})
	c.expect(&proto.Message{Msg: proto.MsgChanged, Collection: "things", ID: "1", Fields: proto.Fields{"name": "two"}})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s2"}})

	c.send(&proto.Message{Msg: proto.MsgUnsub, ID: "s2"})
	c.expect(&proto.Message{Msg: proto.MsgChanged, Collection: "things", ID: "1", Fields: proto.Fields{"name": "one"}})
	c.expect(&proto.Message{Msg: proto.MsgNosub, ID: "s2"})

	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatal("the subscription context should be cancelled on unsub")
	}

	c.send(&proto.Message{Msg: proto.MsgUnsub, ID: "s1"})
	c.expect(&proto.Message{Msg: proto.MsgRemoved, Collection: "things", ID: "1"})
	c.expect(&proto.Message{Msg: proto.MsgNosub, ID: "s1"})

	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s3", Name: "failing", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgNosub, ID: "s3", Error: proto.NewError("not-allowed", "Not allowed")})
}

func addLoginMethod(srv *Server) {
	srv.AddMethod("login", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		uid, _ := call.Params[0].(string)
		if err := call.Session.SetUserID(uid); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": uid}, nil
	})
}

func TestIdentityRerun(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	srv.AddPublication("mine", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		sub.Added("docs", "public", map[string]interface{}{"v": 1.0})
		if uid := sub.UserID(); uid != "" {
			sub.Added("docs", "private-"+uid, map[string]interface{}{"owner": uid})
		}
		sub.Ready()
		return nil, nil
	})
	addLoginMethod(srv)

	c, _ := newRawClient(t, srv, proto.Raw)
	c.connect()

	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s1", Name: "mine", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "docs", ID: "public", Fields: proto.Fields{"v": 1.0}})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s1"}})

	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m1", Method: "login", Params: []interface{}{"u1"}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "docs", ID: "private-u1", Fields: proto.Fields{"owner": "u1"}})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s1"}})
	c.expect(&proto.Message{Msg: proto.MsgResult, ID: "m1", Result: map[string]interface{}{"id": "u1"}})
	c.expect(&proto.Message{Msg: proto.MsgUpdated, Methods: []string{"m1"}})

	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m2", Method: "login", Params: []interface{}{"u2"}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "docs", ID: "private-u2", Fields: proto.Fields{"owner": "u2"}})
	c.expect(&proto.Message{Msg: proto.MsgRemoved, Collection: "docs", ID: "private-u1"})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s1"}})
	c.expect(&proto.Message{Msg: proto.MsgResult, ID: "m2", Result: map[string]interface{}{"id": "u2"}})
	c.expect(&proto.Message{Msg: proto.MsgUpdated, Methods: []string{"m2"}})
}

func TestDefaultPublication(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	srv.AddDefaultPublication("motd", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		sub.Added("news", "motd", map[string]interface{}{"text": "hello"})
		sub.Ready()
		return nil, nil
	})

	connected := make(chan *Session, 1)
	stop := srv.OnConnection(func(s *Session) {
		connected <- s
	})
	defer stop()

	c, sess := newRawClient(t, srv, proto.Raw)
	session := c.connect()

	// universal subscriptions never send ready
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "news", ID: "motd", Fields: proto.Fields{"text": "hello"}})

	select {
	case s := <-connected:
		if s != sess || s.ID() != session {
			t.Fatalf("OnConnection should receive the new session")
		}
	case <-time.After(testTimeout):
		t.Fatal("OnConnection handler not called")
	}

	srv.AddDefaultPublication("late", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		sub.Added("news", "late", map[string]interface{}{})
		return nil, nil
	})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "news", ID: "late", Fields: proto.Fields{}})

	closed := make(chan struct{})
	sess.OnClose(func() { close(closed) })
	c.conn.Close()
	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("OnClose hook not called")
	}
}

func TestSockJSFraming(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c, _ := newRawClient(t, srv, proto.SockJS)

	if f := c.nextFrame(); f.Kind != proto.OpenBanner {
		t.Fatalf("first sockjs frame should be the open banner, got %#v", f)
	}

	c.connect()
	c.send(&proto.Message{Msg: proto.MsgPing, ID: "a"}, &proto.Message{Msg: proto.MsgPing, ID: "b"})
	c.expect(&proto.Message{Msg: proto.MsgPong, ID: "a"})
	c.expect(&proto.Message{Msg: proto.MsgPong, ID: "b"})
}

func TestIdentityRerunWithStreams(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	srv.AddPublication("streamed", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		uid := sub.UserID()
		events := make(chan Event)
		go func() {
			// arrive after the handler has returned
			time.Sleep(20 * time.Millisecond)
			select {
			case events <- Added("docs", "public", map[string]interface{}{"v": 1.0}):
			case <-sub.Context().Done():
				return
			}
			if uid != "" {
				select {
				case events <- Added("docs", "private-"+uid, map[string]interface{}{"owner": uid}):
				case <-sub.Context().Done():
					return
				}
			}
			select {
			case events <- Ready():
			case <-sub.Context().Done():
			}
		}()
		return []Stream{events}, nil
	})
	// ends without ever being ready
	srv.AddPublication("closing", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		events := make(chan Event, 1)
		events <- Added("docs", "closing", map[string]interface{}{})
		close(events)
		return []Stream{events}, nil
	})
	addLoginMethod(srv)

	c, _ := newRawClient(t, srv, proto.Raw)
	c.connect()

	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s1", Name: "streamed", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "docs", ID: "public", Fields: proto.Fields{"v": 1.0}})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s1"}})

	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s2", Name: "closing", Params: []interface{}{}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "docs", ID: "closing", Fields: proto.Fields{}})

	// documents published before and after are neither removed nor added
	// again
	c.send(&proto.Message{Msg: proto.MsgMethod, ID: "m1", Method: "login", Params: []interface{}{"u1"}})
	c.expect(&proto.Message{Msg: proto.MsgAdded, Collection: "docs", ID: "private-u1", Fields: proto.Fields{"owner": "u1"}})
	c.expect(&proto.Message{Msg: proto.MsgReady, Subs: []string{"s1"}})
	c.expect(&proto.Message{Msg: proto.MsgResult, ID: "m1", Result: map[string]interface{}{"id": "u1"}})
	c.expect(&proto.Message{Msg: proto.MsgUpdated, Methods: []string{"m1"}})
}

func TestCloseWaitsForSessions(t *testing.T) {
	srv := newTestServer(t)

	streaming := make(chan struct{})
	srv.AddPublication("endless", func(sub *Subscription, params []interface{}) ([]Stream, error) {
		close(streaming)
		return []Stream{make(chan Event)}, nil
	})

	// one session in the handshake and one with a running stream
	pending, pendingSess := newRawClient(t, srv, proto.Raw)
	c, sess := newRawClient(t, srv, proto.Raw)
	c.connect()
	c.send(&proto.Message{Msg: proto.MsgSub, ID: "s1", Name: "endless", Params: []interface{}{}})
	select {
	case <-streaming:
	case <-time.After(testTimeout):
		t.Fatal("publication not started")
	}

	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Session{pendingSess, sess} {
		if s.Context().Err() == nil {
			t.Fatal("every session should be closed")
		}
	}
	pending.expectClosed()
	c.expectClosed()

	// refused after Close
	late, lateSess := newRawClient(t, srv, proto.Raw)
	if lateSess.Context().Err() == nil {
		t.Fatal("sessions served after Close should be closed")
	}
	late.expectClosed()
}
