package store

// ChangeKind ...
type ChangeKind int

const (
	// Added ...
	Added ChangeKind = iota
	// Changed ...
	Changed
	// Removed ...
	Removed
)

// String ...
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Document is a stored document and its id.
type Document struct {
	ID     string
	Fields map[string]interface{}
}

// Change describes one mutation of a collection, in the shape of the
// added/changed/removed messages sent to subscribers.
type Change struct {
	Kind       ChangeKind
	Collection string
	ID         string
	Fields     map[string]interface{}
	Cleared    []string
}

// Store holds the documents that publications send to clients.
type Store interface {
	// Insert fails with a KeyAlreadyExists StoreErr if id is taken.
	Insert(collection, id string, fields map[string]interface{}) error

	// Update sets and unsets top-level fields. It fails with a KeyNotFound
	// StoreErr if the document does not exist.
	Update(collection, id string, set map[string]interface{}, unset []string) error

	Remove(collection, id string) error

	Get(collection, id string) (map[string]interface{}, error)

	// All returns the documents of a collection sorted by id.
	All(collection string) ([]Document, error)

	// Watch returns the current documents of a collection and a channel of
	// every later change to it, with nothing missed in between. cancel
	// releases the watcher and closes the channel.
	Watch(collection string) (snapshot []Document, changes <-chan Change, cancel func(), err error)

	Close() error
}
