package livedata

import (
	"sync"

	"github.com/mosaicnetworks/ddp/src/common"
)

// ObserveCallbacks are invoked with projected documents. Either may be nil.
type ObserveCallbacks struct {
	Added   func(Document)
	Removed func(Document)
}

type liveQuery struct {
	selector Selector
	opts     FindOptions
	cbs      ObserveCallbacks
}

// Collection is an in-memory table of documents for one collection name.
//
// Observer callbacks run outside the collection's data lock, so they may read
// the collection, but they must not modify it.
type Collection struct {
	name string

	// deliverLock orders observer notifications with the mutations that
	// caused them.
	deliverLock sync.Mutex

	mu      sync.RWMutex
	docs    map[string]map[string]interface{}
	order   []string
	queries map[*liveQuery]struct{}
}

// NewCollection ...
func NewCollection(name string) *Collection {
	return &Collection{
		name:    name,
		docs:    make(map[string]map[string]interface{}),
		queries: make(map[*liveQuery]struct{}),
	}
}

// Name ...
func (c *Collection) Name() string {
	return c.name
}

// AddDocument stores a new document and notifies the observers it matches.
func (c *Collection) AddDocument(id string, fields map[string]interface{}) error {
	if id == "" {
		return common.NewStoreErr(c.name, common.KeyNotFound, "<empty id>")
	}

	stored := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k != "_id" {
			stored[k] = v
		}
	}

	c.deliverLock.Lock()
	defer c.deliverLock.Unlock()

	c.mu.Lock()
	if _, ok := c.docs[id]; ok {
		c.mu.Unlock()
		return common.NewStoreErr(c.name, common.KeyAlreadyExists, id)
	}
	c.docs[id] = stored
	c.order = append(c.order, id)
	notify := c.matchingLocked(id, stored, func(q *liveQuery) func(Document) { return q.cbs.Added })
	c.mu.Unlock()

	notify()
	return nil
}

// ChangeDocument sets fields and deletes cleared fields of an existing
// document. Observers are not notified.
func (c *Collection) ChangeDocument(id string, fields map[string]interface{}, cleared []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok {
		return common.NewStoreErr(c.name, common.KeyNotFound, id)
	}

	updated := make(map[string]interface{}, len(doc)+len(fields))
	for k, v := range doc {
		updated[k] = v
	}
	for k, v := range fields {
		if k != "_id" {
			updated[k] = v
		}
	}
	for _, k := range cleared {
		delete(updated, k)
	}
	c.docs[id] = updated

	return nil
}

// RemoveDocument deletes a document and notifies the observers its last
// known fields matched.
func (c *Collection) RemoveDocument(id string) error {
	c.deliverLock.Lock()
	defer c.deliverLock.Unlock()

	c.mu.Lock()
	prev, ok := c.docs[id]
	if !ok {
		c.mu.Unlock()
		return common.NewStoreErr(c.name, common.KeyNotFound, id)
	}
	delete(c.docs, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	notify := c.matchingLocked(id, prev, func(q *liveQuery) func(Document) { return q.cbs.Removed })
	c.mu.Unlock()

	notify()
	return nil
}

// Reset removes every document, notifying observers as RemoveDocument would.
func (c *Collection) Reset() {
	for _, id := range c.ids() {
		c.RemoveDocument(id)
	}
}

// Insert adds a document owned by the client. The document must carry its
// own "_id".
func (c *Collection) Insert(doc Document) error {
	return c.AddDocument(doc.ID(), doc)
}

// Find returns a cursor over the documents matching selector.
func (c *Collection) Find(selector Selector, opts *FindOptions) *Cursor {
	cur := &Cursor{
		coll:     c,
		selector: selector,
	}
	if opts != nil {
		cur.opts = *opts
	}
	return cur
}

// FindOne returns the first matching document, or nil.
func (c *Collection) FindOne(selector Selector, opts *FindOptions) Document {
	var found Document
	c.Find(selector, opts).ForEach(func(d Document) bool {
		found = d
		return false
	})
	return found
}

func (c *Collection) ids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// scan calls fn with every matching document, in insertion order, until fn
// returns false.
func (c *Collection) scan(selector Selector, opts FindOptions, fn func(Document) bool) {
	c.mu.RLock()
	matches := make([]Document, 0)
	for _, id := range c.order {
		fields := c.docs[id]
		if selector.Match(withID(id, fields)) {
			matches = append(matches, project(id, fields, opts))
		}
	}
	c.mu.RUnlock()

	for _, d := range matches {
		if !fn(d) {
			return
		}
	}
}

func (c *Collection) matchingLocked(id string, fields map[string]interface{}, pick func(*liveQuery) func(Document)) func() {
	var calls []func()
	full := withID(id, fields)
	for q := range c.queries {
		cb := pick(q)
		if cb == nil || !q.selector.Match(full) {
			continue
		}
		doc := project(id, fields, q.opts)
		calls = append(calls, func() { cb(doc) })
	}
	return func() {
		for _, call := range calls {
			call()
		}
	}
}

func (c *Collection) observe(selector Selector, opts FindOptions, cbs ObserveCallbacks) *ObserveHandle {
	q := &liveQuery{
		selector: selector,
		opts:     opts,
		cbs:      cbs,
	}

	c.deliverLock.Lock()
	defer c.deliverLock.Unlock()

	if cbs.Added != nil {
		c.scan(selector, opts, func(d Document) bool {
			cbs.Added(d)
			return true
		})
	}

	c.mu.Lock()
	c.queries[q] = struct{}{}
	c.mu.Unlock()

	return &ObserveHandle{coll: c, query: q}
}

func withID(id string, fields map[string]interface{}) Document {
	doc := make(Document, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["_id"] = id
	return doc
}
