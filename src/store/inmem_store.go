package store

import (
	"sort"
	"sync"

	cm "github.com/mosaicnetworks/ddp/src/common"
)

// InmemStore keeps documents in memory.
type InmemStore struct {
	mu     sync.RWMutex
	colls  map[string]map[string]map[string]interface{}
	hub    *watchHub
	closed bool
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		colls: make(map[string]map[string]map[string]interface{}),
		hub:   newWatchHub(),
	}
}

// Insert implements the Store interface.
func (s *InmemStore) Insert(collection, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cm.NewStoreErr("Store", cm.Closed, collection)
	}

	coll, ok := s.colls[collection]
	if !ok {
		coll = make(map[string]map[string]interface{})
		s.colls[collection] = coll
	}
	if _, ok := coll[id]; ok {
		return cm.NewStoreErr(collection, cm.KeyAlreadyExists, id)
	}
	coll[id] = cloneFields(fields)

	s.hub.publish(Change{Kind: Added, Collection: collection, ID: id, Fields: cloneFields(fields)})
	return nil
}

// Update implements the Store interface.
func (s *InmemStore) Update(collection, id string, set map[string]interface{}, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cm.NewStoreErr("Store", cm.Closed, collection)
	}

	doc, ok := s.colls[collection][id]
	if !ok {
		return cm.NewStoreErr(collection, cm.KeyNotFound, id)
	}

	next, changed, cleared := applyUpdate(doc, set, unset)
	s.colls[collection][id] = next

	if len(changed) > 0 || len(cleared) > 0 {
		s.hub.publish(Change{Kind: Changed, Collection: collection, ID: id, Fields: changed, Cleared: cleared})
	}
	return nil
}

// Remove implements the Store interface.
func (s *InmemStore) Remove(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cm.NewStoreErr("Store", cm.Closed, collection)
	}

	if _, ok := s.colls[collection][id]; !ok {
		return cm.NewStoreErr(collection, cm.KeyNotFound, id)
	}
	delete(s.colls[collection], id)

	s.hub.publish(Change{Kind: Removed, Collection: collection, ID: id})
	return nil
}

// Get implements the Store interface.
func (s *InmemStore) Get(collection, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.colls[collection][id]
	if !ok {
		return nil, cm.NewStoreErr(collection, cm.KeyNotFound, id)
	}
	return cloneFields(doc), nil
}

// All implements the Store interface.
func (s *InmemStore) All(collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked(collection), nil
}

func (s *InmemStore) allLocked(collection string) []Document {
	coll := s.colls[collection]
	res := make([]Document, 0, len(coll))
	for id, doc := range coll {
		res = append(res, Document{ID: id, Fields: cloneFields(doc)})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Watch implements the Store interface.
func (s *InmemStore) Watch(collection string) ([]Document, <-chan Change, func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, nil, nil, cm.NewStoreErr("Store", cm.Closed, collection)
	}

	w, cancel := s.hub.add(collection)
	return s.allLocked(collection), w.out, cancel, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return nil
}
