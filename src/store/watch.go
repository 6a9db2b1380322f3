package store

import "sync"

// watcher delivers changes in order without ever blocking the writer.
type watcher struct {
	collection string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Change
	closed bool

	out  chan Change
	done chan struct{}
	once sync.Once
}

func newWatcher(collection string) *watcher {
	w := &watcher{
		collection: collection,
		out:        make(chan Change),
		done:       make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *watcher) push(c Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, c)
	w.cond.Signal()
}

func (w *watcher) run() {
	defer close(w.out)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		c := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- c:
		case <-w.done:
			return
		}
	}
}

func (w *watcher) close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.queue = nil
		w.cond.Broadcast()
		w.mu.Unlock()
		close(w.done)
	})
}

// watchHub fans changes out to the watchers of each collection. Callers
// serialize publish with their own writes.
type watchHub struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[*watcher]struct{})}
}

func (h *watchHub) add(collection string) (*watcher, func()) {
	w := newWatcher(collection)

	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	return w, func() {
		h.mu.Lock()
		delete(h.watchers, w)
		h.mu.Unlock()
		w.close()
	}
}

func (h *watchHub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		if w.collection == c.Collection {
			w.push(c)
		}
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	ws := h.watchers
	h.watchers = make(map[*watcher]struct{})
	h.mu.Unlock()
	for w := range ws {
		w.close()
	}
}

func cloneFields(f map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

// applyUpdate returns doc with set and unset applied and the change that
// describes it, restricted to what actually moved.
func applyUpdate(doc, set map[string]interface{}, unset []string) (map[string]interface{}, map[string]interface{}, []string) {
	next := cloneFields(doc)
	changed := make(map[string]interface{})
	var cleared []string

	for k, v := range set {
		next[k] = v
		changed[k] = v
	}
	for _, k := range unset {
		if _, ok := next[k]; ok {
			delete(next, k)
			cleared = append(cleared, k)
		}
	}
	return next, changed, cleared
}
