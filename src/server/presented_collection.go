package server

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/mosaicnetworks/ddp/src/proto"
)

// sessionDocument is one document as presented to a client: the fields
// contributed by each subscription, in the order they first contributed.
type sessionDocument struct {
	bySub map[string]proto.Fields
	order []string
}

func newSessionDocument() *sessionDocument {
	return &sessionDocument{bySub: make(map[string]proto.Fields)}
}

// view merges the contributions. Later contributors win on conflicting
// fields.
func (d *sessionDocument) view() proto.Fields {
	v := make(proto.Fields)
	for _, key := range d.order {
		for k, val := range d.bySub[key] {
			v[k] = val
		}
	}
	return v
}

func (d *sessionDocument) removeSub(key string) {
	delete(d.bySub, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// PresentedCollection is the client's view of one collection within a
// Session.
type PresentedCollection struct {
	name string
	send func(msgs ...*proto.Message) error

	mu      sync.Mutex
	docs    map[string]*sessionDocument
	order   []string
	sending bool

	// state before the running rerun
	before      map[string]proto.Fields
	beforeOrder []string
}

func newPresentedCollection(name string, send func(msgs ...*proto.Message) error) *PresentedCollection {
	return &PresentedCollection{
		name:    name,
		send:    send,
		docs:    make(map[string]*sessionDocument),
		sending: true,
	}
}

// Name ...
func (c *PresentedCollection) Name() string {
	return c.name
}

// View returns the merged documents.
func (c *PresentedCollection) View() map[string]proto.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := make(map[string]proto.Fields, len(c.docs))
	for id, d := range c.docs {
		v[id] = d.view()
	}
	return v
}

func (c *PresentedCollection) added(subKey, id string, fields map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, exists := c.docs[id]
	if !exists {
		doc = newSessionDocument()
		c.docs[id] = doc
		c.order = append(c.order, id)
	} else if _, dup := doc.bySub[subKey]; dup {
		return fmt.Errorf("document %s/%s already added by subscription %s", c.name, id, subKey)
	}

	before := doc.view()
	doc.bySub[subKey] = proto.Fields(fields).Clone()
	doc.order = append(doc.order, subKey)

	if !exists {
		return c.emit(&proto.Message{
			Msg:        proto.MsgAdded,
			Collection: c.name,
			ID:         id,
			Fields:     doc.view(),
		})
	}
	return c.emitDiff(id, before, doc.view())
}

func (c *PresentedCollection) changed(subKey, id string, fields map[string]interface{}, cleared []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("changed unknown document %s/%s", c.name, id)
	}
	contrib, ok := doc.bySub[subKey]
	if !ok {
		return fmt.Errorf("subscription %s changed document %s/%s it never added", subKey, c.name, id)
	}

	before := doc.view()
	for k, v := range fields {
		if v == nil {
			delete(contrib, k)
			continue
		}
		contrib[k] = v
	}
	for _, k := range cleared {
		delete(contrib, k)
	}
	return c.emitDiff(id, before, doc.view())
}

func (c *PresentedCollection) removed(subKey, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removedLocked(subKey, id)
}

func (c *PresentedCollection) removedLocked(subKey, id string) error {
	doc, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("removed unknown document %s/%s", c.name, id)
	}
	if _, ok := doc.bySub[subKey]; !ok {
		return fmt.Errorf("subscription %s removed document %s/%s it never added", subKey, c.name, id)
	}

	before := doc.view()
	doc.removeSub(subKey)

	if len(doc.bySub) == 0 {
		delete(c.docs, id)
		c.order = removeString(c.order, id)
		return c.emit(&proto.Message{
			Msg:        proto.MsgRemoved,
			Collection: c.name,
			ID:         id,
		})
	}
	return c.emitDiff(id, before, doc.view())
}

// dropSub removes every contribution of a subscription.
func (c *PresentedCollection) dropSub(subKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{}
	for _, id := range c.order {
		if _, ok := c.docs[id].bySub[subKey]; ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if err := c.removedLocked(subKey, id); err != nil {
			return err
		}
	}
	return nil
}

// startRerun saves the current view, empties the collection and stops
// sending until flushRerunLocked.
func (c *PresentedCollection) startRerun() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.before = make(map[string]proto.Fields, len(c.docs))
	for id, d := range c.docs {
		c.before[id] = d.view()
	}
	c.beforeOrder = c.order

	c.docs = make(map[string]*sessionDocument)
	c.order = nil
	c.sending = false
}

// startInRerun marks a collection created during a rerun.
func (c *PresentedCollection) startInRerun() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.before = make(map[string]proto.Fields)
	c.beforeOrder = nil
	c.sending = false
}

// flushRerunLocked returns the messages that turn the saved view into the
// current one and resumes sending. The caller holds c.mu and writes the
// messages.
func (c *PresentedCollection) flushRerunLocked() []*proto.Message {
	msgs := []*proto.Message{}

	for _, id := range c.order {
		after := c.docs[id].view()
		prev, existed := c.before[id]
		if !existed {
			msgs = append(msgs, &proto.Message{
				Msg:        proto.MsgAdded,
				Collection: c.name,
				ID:         id,
				Fields:     after,
			})
			continue
		}
		if m := c.diffMessage(id, prev, after); m != nil {
			msgs = append(msgs, m)
		}
	}

	for _, id := range c.beforeOrder {
		if _, ok := c.docs[id]; !ok {
			msgs = append(msgs, &proto.Message{
				Msg:        proto.MsgRemoved,
				Collection: c.name,
				ID:         id,
			})
		}
	}

	c.before = nil
	c.beforeOrder = nil
	c.sending = true
	return msgs
}

func (c *PresentedCollection) emit(m *proto.Message) error {
	if !c.sending {
		return nil
	}
	return c.send(m)
}

func (c *PresentedCollection) emitDiff(id string, before, after proto.Fields) error {
	m := c.diffMessage(id, before, after)
	if m == nil {
		return nil
	}
	return c.emit(m)
}

// diffMessage returns the changed message from before to after, or nil if
// nothing changed.
func (c *PresentedCollection) diffMessage(id string, before, after proto.Fields) *proto.Message {
	fields := proto.Fields{}
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			fields[k] = v
		}
	}

	var cleared []string
	for k := range before {
		if _, ok := after[k]; !ok {
			cleared = append(cleared, k)
		}
	}
	sort.Strings(cleared)

	if len(fields) == 0 && len(cleared) == 0 {
		return nil
	}

	m := &proto.Message{
		Msg:        proto.MsgChanged,
		Collection: c.name,
		ID:         id,
		Cleared:    cleared,
	}
	if len(fields) > 0 {
		m.Fields = fields
	}
	return m
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
