package livedata

import "sync"

// Cursor is a query over a Collection. It holds no results; every terminal
// operation scans the collection again.
type Cursor struct {
	coll     *Collection
	selector Selector
	opts     FindOptions
}

// Count returns the number of matching documents.
func (c *Cursor) Count() int {
	n := 0
	c.coll.scan(c.selector, c.opts, func(Document) bool {
		n++
		return true
	})
	return n
}

// Fetch returns every matching document.
func (c *Cursor) Fetch() []Document {
	docs := []Document{}
	c.coll.scan(c.selector, c.opts, func(d Document) bool {
		docs = append(docs, d)
		return true
	})
	return docs
}

// ForEach calls fn for each matching document until fn returns false.
func (c *Cursor) ForEach(fn func(Document) bool) {
	c.coll.scan(c.selector, c.opts, fn)
}

// Observe calls cbs.Added for every document currently matching, then keeps
// reporting documents that are added to or removed from the collection while
// matching the selector.
func (c *Cursor) Observe(cbs ObserveCallbacks) *ObserveHandle {
	return c.coll.observe(c.selector, c.opts, cbs)
}

// ObserveHandle stops an observer.
type ObserveHandle struct {
	coll  *Collection
	query *liveQuery
	once  sync.Once
}

// Stop unregisters the observer. It is safe to call more than once.
func (h *ObserveHandle) Stop() {
	h.once.Do(func() {
		h.coll.mu.Lock()
		delete(h.coll.queries, h.query)
		h.coll.mu.Unlock()
	})
}
