package server

// EventKind ...
type EventKind int

const (
	// EventAdded adds a document to the subscription.
	EventAdded EventKind = iota
	// EventChanged changes a document the stream added.
	EventChanged
	// EventRemoved removes a document the stream added.
	EventRemoved
	// EventReady marks the stream as ready.
	EventReady
	// EventStop stops the whole subscription, with Err if set.
	EventStop
)

// Event is one item of a publication Stream.
type Event struct {
	Kind       EventKind
	Collection string
	ID         string
	Fields     map[string]interface{}
	Cleared    []string
	Err        error
}

// Stream is a source of subscription events. A publication returning several
// Streams is ready once each of them has sent EventReady. Closing a Stream
// ends it without stopping the subscription.
type Stream <-chan Event

// Added ...
func Added(collection, id string, fields map[string]interface{}) Event {
	return Event{Kind: EventAdded, Collection: collection, ID: id, Fields: fields}
}

// Changed ...
func Changed(collection, id string, fields map[string]interface{}, cleared []string) Event {
	return Event{Kind: EventChanged, Collection: collection, ID: id, Fields: fields, Cleared: cleared}
}

// Removed ...
func Removed(collection, id string) Event {
	return Event{Kind: EventRemoved, Collection: collection, ID: id}
}

// Ready ...
func Ready() Event {
	return Event{Kind: EventReady}
}

// Stop ...
func Stop(err error) Event {
	return Event{Kind: EventStop, Err: err}
}
