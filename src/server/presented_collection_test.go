package server

import (
	"reflect"
	"sync"
	"testing"

	"github.com/mosaicnetworks/ddp/src/proto"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*proto.Message
}

func (r *recorder) send(msgs ...*proto.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recorder) take() []*proto.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.msgs
	r.msgs = nil
	return msgs
}

// replay applies document messages to a client-side view, failing on any
// message a well-behaved client would reject.
func replay(t *testing.T, view map[string]proto.Fields, msgs []*proto.Message) {
	t.Helper()
	for _, m := range msgs {
		switch m.Msg {
		case proto.MsgAdded:
			if _, ok := view[m.ID]; ok {
				t.Fatalf("second added for %s", m.ID)
			}
			view[m.ID] = proto.Fields(m.Fields).Clone()
		case proto.MsgChanged:
			doc, ok := view[m.ID]
			if !ok {
				t.Fatalf("changed for unknown %s", m.ID)
			}
			for k, v := range m.Fields {
				doc[k] = v
			}
			for _, k := range m.Cleared {
				delete(doc, k)
			}
		case proto.MsgRemoved:
			if _, ok := view[m.ID]; !ok {
				t.Fatalf("removed for unknown %s", m.ID)
			}
			delete(view, m.ID)
		}
	}
}

func TestPresentedCollectionMerge(t *testing.T) {
	rec := &recorder{}
	c := newPresentedCollection("docs", rec.send)
	client := map[string]proto.Fields{}

	check := func(expected []*proto.Message) {
		t.Helper()
		msgs := rec.take()
		if !reflect.DeepEqual(msgs, expected) {
			t.Fatalf("expected %#v, got %#v", expected, msgs)
		}
		replay(t, client, msgs)
		if !reflect.DeepEqual(client, c.View()) {
			t.Fatalf("client view %v differs from server view %v", client, c.View())
		}
	}

	if err := c.added("A", "1", map[string]interface{}{"a": 1.0, "x": "A"}); err != nil {
		t.Fatal(err)
	}
	check([]*proto.Message{
		{Msg: proto.MsgAdded, Collection: "docs", ID: "1", Fields: proto.Fields{"a": 1.0, "x": "A"}},
	})

	if err := c.added("B", "1", map[string]interface{}{"b": 2.0, "x": "B"}); err != nil {
		t.Fatal(err)
	}
	check([]*proto.Message{
		{Msg: proto.MsgChanged, Collection: "docs", ID: "1", Fields: proto.Fields{"b": 2.0, "x": "B"}},
	})

	// same value again: nothing to send
	if err := c.changed("B", "1", map[string]interface{}{"b": 2.0}, nil); err != nil {
		t.Fatal(err)
	}
	check(nil)

	if err := c.changed("B", "1", map[string]interface{}{"b": 3.0}, nil); err != nil {
		t.Fatal(err)
	}
	check([]*proto.Message{
		{Msg: proto.MsgChanged, Collection: "docs", ID: "1", Fields: proto.Fields{"b": 3.0}},
	})

	// x falls back to A's value, b is no longer backed by anyone
	if err := c.removed("B", "1"); err != nil {
		t.Fatal(err)
	}
	check([]*proto.Message{
		{Msg: proto.MsgChanged, Collection: "docs", ID: "1", Fields: proto.Fields{"x": "A"}, Cleared: []string{"b"}},
	})

	if err := c.removed("A", "1"); err != nil {
		t.Fatal(err)
	}
	check([]*proto.Message{
		{Msg: proto.MsgRemoved, Collection: "docs", ID: "1"},
	})
}

func TestPresentedCollectionAtMostOneAdded(t *testing.T) {
	rec := &recorder{}
	c := newPresentedCollection("docs", rec.send)

	subs := []string{"A", "B", "C", "D"}
	for _, sub := range subs {
		if err := c.added(sub, "1", map[string]interface{}{"n": 1.0}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := rec.take()
	if len(msgs) != 1 || msgs[0].Msg != proto.MsgAdded {
		t.Fatalf("identical contributions should produce a single added, got %#v", msgs)
	}

	for _, sub := range subs[:3] {
		if err := c.removed(sub, "1"); err != nil {
			t.Fatal(err)
		}
	}
	if msgs := rec.take(); len(msgs) != 0 {
		t.Fatalf("field still backed by D, got %#v", msgs)
	}
}

func TestPresentedCollectionErrors(t *testing.T) {
	rec := &recorder{}
	c := newPresentedCollection("docs", rec.send)

	if err := c.added("A", "1", map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	if err := c.added("A", "1", map[string]interface{}{}); err == nil {
		t.Fatal("adding the same document twice from one subscription should fail")
	}
	if err := c.changed("B", "1", map[string]interface{}{"a": 1.0}, nil); err == nil {
		t.Fatal("changing a document the subscription never added should fail")
	}
	if err := c.removed("B", "1"); err == nil {
		t.Fatal("removing a document the subscription never added should fail")
	}
	if err := c.changed("A", "2", nil, nil); err == nil {
		t.Fatal("changing an unknown document should fail")
	}
}

func TestPresentedCollectionDropSub(t *testing.T) {
	rec := &recorder{}
	c := newPresentedCollection("docs", rec.send)
	client := map[string]proto.Fields{}

	c.added("A", "1", map[string]interface{}{"a": 1.0})
	c.added("A", "2", map[string]interface{}{"a": 2.0})
	c.added("B", "2", map[string]interface{}{"b": 2.0})
	replay(t, client, rec.take())

	if err := c.dropSub("A"); err != nil {
		t.Fatal(err)
	}
	msgs := rec.take()
	expected := []*proto.Message{
		{Msg: proto.MsgRemoved, Collection: "docs", ID: "1"},
		{Msg: proto.MsgChanged, Collection: "docs", ID: "2", Cleared: []string{"a"}},
	}
	if !reflect.DeepEqual(msgs, expected) {
		t.Fatalf("expected %#v, got %#v", expected, msgs)
	}

	replay(t, client, msgs)
	if !reflect.DeepEqual(client, map[string]proto.Fields{"2": {"b": 2.0}}) {
		t.Fatalf("unexpected client view %v", client)
	}
}

func TestPresentedCollectionRerun(t *testing.T) {
	rec := &recorder{}
	c := newPresentedCollection("docs", rec.send)
	client := map[string]proto.Fields{}

	c.added("A", "1", map[string]interface{}{"v": 1.0})
	c.added("A", "2", map[string]interface{}{"v": 2.0})
	c.added("A", "3", map[string]interface{}{"v": 3.0})
	replay(t, client, rec.take())

	c.startRerun()
	c.added("A", "2", map[string]interface{}{"v": 2.0})
	c.added("A", "3", map[string]interface{}{"v": 30.0})
	c.added("A", "4", map[string]interface{}{"v": 4.0})

	if msgs := rec.take(); len(msgs) != 0 {
		t.Fatalf("nothing should be sent during a rerun, got %#v", msgs)
	}

	c.mu.Lock()
	msgs := c.flushRerunLocked()
	c.mu.Unlock()

	expected := []*proto.Message{
		{Msg: proto.MsgChanged, Collection: "docs", ID: "3", Fields: proto.Fields{"v": 30.0}},
		{Msg: proto.MsgAdded, Collection: "docs", ID: "4", Fields: proto.Fields{"v": 4.0}},
		{Msg: proto.MsgRemoved, Collection: "docs", ID: "1"},
	}
	if !reflect.DeepEqual(msgs, expected) {
		t.Fatalf("expected %#v, got %#v", expected, msgs)
	}

	replay(t, client, msgs)
	if !reflect.DeepEqual(client, c.View()) {
		t.Fatalf("client view %v differs from server view %v", client, c.View())
	}

	// sending resumes
	c.removed("A", "4")
	if msgs := rec.take(); len(msgs) != 1 || msgs[0].Msg != proto.MsgRemoved {
		t.Fatalf("expected a removed after the rerun, got %#v", msgs)
	}
}

func TestPresentedCollectionNilClears(t *testing.T) {
	rec := &recorder{}
	c := newPresentedCollection("docs", rec.send)

	if err := c.added("A", "1", map[string]interface{}{"a": 1.0, "b": "x"}); err != nil {
		t.Fatal(err)
	}
	rec.take()

	if err := c.changed("A", "1", map[string]interface{}{"a": nil, "c": 2.0}, nil); err != nil {
		t.Fatal(err)
	}
	expected := []*proto.Message{{
		Msg:        proto.MsgChanged,
		Collection: "docs",
		ID:         "1",
		Fields:     proto.Fields{"c": 2.0},
		Cleared:    []string{"a"},
	}}
	if msgs := rec.take(); !reflect.DeepEqual(msgs, expected) {
		t.Fatalf("expected %#v, got %#v", expected, msgs)
	}

	view := map[string]proto.Fields{"1": {"b": "x", "c": 2.0}}
	if !reflect.DeepEqual(c.View(), view) {
		t.Fatalf("expected view %v, got %v", view, c.View())
	}

	// clearing a missing field sends nothing
	if err := c.changed("A", "1", map[string]interface{}{"a": nil}, nil); err != nil {
		t.Fatal(err)
	}
	if msgs := rec.take(); len(msgs) != 0 {
		t.Fatalf("expected no message, got %#v", msgs)
	}
}
