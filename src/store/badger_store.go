package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger"
	cm "github.com/mosaicnetworks/ddp/src/common"
	"github.com/mosaicnetworks/ddp/src/proto"
)

// BadgerStore persists documents in a Badger database. Keys are
// "<collection>/<id>" and values are EJSON-encoded fields.
type BadgerStore struct {
	db   *badger.DB
	path string

	// serializes writes with the publication of their changes
	mu  sync.Mutex
	hub *watchHub
}

// NewBadgerStore opens, or creates, the database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		path: path,
		hub:  newWatchHub(),
	}, nil
}

func documentKey(collection, id string) []byte {
	return []byte(fmt.Sprintf("%s/%s", collection, id))
}

func collectionPrefix(collection string) []byte {
	return []byte(collection + "/")
}

// Insert implements the Store interface.
func (s *BadgerStore) Insert(collection, id string, fields map[string]interface{}) error {
	val, err := proto.Marshal(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		key := documentKey(collection, id)
		if _, err := txn.Get(key); err == nil {
			return cm.NewStoreErr(collection, cm.KeyAlreadyExists, id)
		} else if !isDBKeyNotFound(err) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return err
	}

	s.hub.publish(Change{Kind: Added, Collection: collection, ID: id, Fields: cloneFields(fields)})
	return nil
}

// Update implements the Store interface.
func (s *BadgerStore) Update(collection, id string, set map[string]interface{}, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed map[string]interface{}
	var cleared []string

	err := s.db.Update(func(txn *badger.Txn) error {
		key := documentKey(collection, id)
		doc, err := getDocument(txn, key)
		if err != nil {
			return mapError(err, collection, id)
		}

		var next map[string]interface{}
		next, changed, cleared = applyUpdate(doc, set, unset)

		val, err := proto.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return err
	}

	if len(changed) > 0 || len(cleared) > 0 {
		s.hub.publish(Change{Kind: Changed, Collection: collection, ID: id, Fields: changed, Cleared: cleared})
	}
	return nil
}

// Remove implements the Store interface.
func (s *BadgerStore) Remove(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		key := documentKey(collection, id)
		if _, err := txn.Get(key); err != nil {
			return mapError(err, collection, id)
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}

	s.hub.publish(Change{Kind: Removed, Collection: collection, ID: id})
	return nil
}

// Get implements the Store interface.
func (s *BadgerStore) Get(collection, id string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDocument(txn, documentKey(collection, id))
		return err
	})
	return doc, mapError(err, collection, id)
}

// All implements the Store interface.
func (s *BadgerStore) All(collection string) ([]Document, error) {
	var docs []Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		docs, err = scanCollection(txn, collection)
		return err
	})
	return docs, err
}

// Watch implements the Store interface.
func (s *BadgerStore) Watch(collection string) ([]Document, <-chan Change, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.All(collection)
	if err != nil {
		return nil, nil, nil, err
	}

	w, cancel := s.hub.add(collection)
	return docs, w.out, cancel, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

func getDocument(txn *badger.Txn, key []byte) (map[string]interface{}, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeFields(val)
}

func scanCollection(txn *badger.Txn, collection string) ([]Document, error) {
	prefix := collectionPrefix(collection)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	docs := []Document{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		fields, err := decodeFields(val)
		if err != nil {
			return nil, err
		}
		id := strings.TrimPrefix(string(item.Key()), string(prefix))
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	return docs, nil
}

func decodeFields(val []byte) (map[string]interface{}, error) {
	v, err := proto.Unmarshal(val)
	if err != nil {
		return nil, err
	}
	fields, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("stored document is %T, not an object", v)
	}
	return fields, nil
}

func isDBKeyNotFound(err error) bool {
	return err != nil && err.Error() == badger.ErrKeyNotFound.Error()
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
