package net

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// Conn is a bidirectional stream of string frames.
type Conn interface {
	// ReadFrame blocks until the next frame arrives. It returns an error once
	// the connection is closed, by either side.
	ReadFrame() (string, error)

	// WriteFrame sends one frame. It is safe to call from several goroutines.
	WriteFrame(frame string) error

	// Close terminates the connection and unblocks pending reads.
	Close() error
}

// Dialer opens client connections to a target.
type Dialer interface {
	// Dial must give up when ctx is cancelled.
	Dial(ctx context.Context, target string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target string, header http.Header) (Conn, error)

// Dial implements the Dialer interface.
func (f DialerFunc) Dial(ctx context.Context, target string, header http.Header) (Conn, error) {
	return f(ctx, target, header)
}
