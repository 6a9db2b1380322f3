package common

import (
	"errors"
	"fmt"
)

// ProtocolErrType classifies violations of the wire protocol.
type ProtocolErrType uint32

const (
	// UnexpectedMessage is a message that is not valid in the current state,
	// like a second handshake banner.
	UnexpectedMessage ProtocolErrType = iota
	// UnknownID is a response for a request that is not pending.
	UnknownID
	// DuplicateID is a request whose id is already pending.
	DuplicateID
	// Unimplemented is a message type this package refuses to handle.
	Unimplemented
	// ServerError is an error message sent by the remote end.
	ServerError
)

// ProtocolErr is fatal to the connection attempt it happens on.
type ProtocolErr struct {
	msgType string
	errType ProtocolErrType
	detail  string
}

// NewProtocolErr ...
func NewProtocolErr(msgType string, errType ProtocolErrType, detail string) ProtocolErr {
	return ProtocolErr{
		msgType: msgType,
		errType: errType,
		detail:  detail,
	}
}

// Type returns the kind of violation.
func (e ProtocolErr) Type() ProtocolErrType {
	return e.errType
}

// Error ...
func (e ProtocolErr) Error() string {
	m := ""
	switch e.errType {
	case UnexpectedMessage:
		m = "Unexpected Message"
	case UnknownID:
		m = "Unknown ID"
	case DuplicateID:
		m = "Duplicate ID"
	case Unimplemented:
		m = "Unimplemented"
	case ServerError:
		m = "Server Error"
	}

	if e.detail == "" {
		return fmt.Sprintf("%s, %s", e.msgType, m)
	}
	return fmt.Sprintf("%s, %s, %s", e.msgType, e.detail, m)
}

// IsProtocol checks that err wraps a ProtocolErr of type t.
func IsProtocol(err error, t ProtocolErrType) bool {
	var perr ProtocolErr
	return errors.As(err, &perr) && perr.errType == t
}
