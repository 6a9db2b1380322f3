package proto

// Message types.
const (
	MsgConnect     = "connect"
	MsgConnected   = "connected"
	MsgFailed      = "failed"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgMethod      = "method"
	MsgResult      = "result"
	MsgUpdated     = "updated"
	MsgSub         = "sub"
	MsgUnsub       = "unsub"
	MsgReady       = "ready"
	MsgNosub       = "nosub"
	MsgAdded       = "added"
	MsgChanged     = "changed"
	MsgRemoved     = "removed"
	MsgAddedBefore = "addedBefore"
	MsgMovedBefore = "movedBefore"
	MsgError       = "error"
)

// Version is the only protocol version spoken by this package.
const Version = "1"

// SupportedVersions is sent in the connect message.
var SupportedVersions = []string{Version}

// Fields maps document field names to values.
type Fields map[string]interface{}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	c := make(Fields, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

// Message is any DDP message. Which fields are meaningful depends on Msg.
type Message struct {
	Msg string

	// connect, connected, failed
	Session string
	Version string
	Support []string

	// ping, pong, method, result, sub, unsub, nosub, added, changed, removed
	ID string

	// method
	Method     string
	Params     []interface{}
	RandomSeed interface{}

	// sub
	Name string

	// ready
	Subs []string

	// updated
	Methods []string

	// added, changed, removed, addedBefore, movedBefore
	Collection string
	Fields     Fields
	Cleared    []string
	Before     interface{}

	// result
	Result interface{}

	// result, nosub
	Error *Error

	// error
	Reason           string
	OffendingMessage interface{}

	// Baggage carries trace context on client requests.
	Baggage map[string]string
}

// IsRequest reports whether m is a client request that expects a response
// correlated by ID.
func (m *Message) IsRequest() bool {
	switch m.Msg {
	case MsgMethod, MsgSub, MsgPing:
		return true
	}
	return false
}

// IsDocument reports whether m is a document event for a collection.
func (m *Message) IsDocument() bool {
	switch m.Msg {
	case MsgAdded, MsgChanged, MsgRemoved, MsgAddedBefore, MsgMovedBefore:
		return true
	}
	return false
}

// NewConnect returns the message a client sends to open a session.
func NewConnect() *Message {
	return &Message{
		Msg:     MsgConnect,
		Version: Version,
		Support: SupportedVersions,
	}
}
