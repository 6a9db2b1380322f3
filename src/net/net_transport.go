package net

import (
	"bufio"
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// frames carrying large documents can exceed the default buffer size
	bufSize = math.MaxUint16
)

// StreamConn carries newline-delimited frames over a net.Conn.
type StreamConn struct {
	conn net.Conn
	r    *bufio.Reader

	writeLock sync.Mutex
	w         *bufio.Writer

	timeout time.Duration
}

// NewStreamConn wraps conn. A non-zero timeout is applied as a write deadline
// to every frame.
func NewStreamConn(conn net.Conn, timeout time.Duration) *StreamConn {
	return &StreamConn{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		w:       bufio.NewWriterSize(conn, bufSize),
		timeout: timeout,
	}
}

// ReadFrame implements the Conn interface.
func (s *StreamConn) ReadFrame() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// WriteFrame implements the Conn interface.
func (s *StreamConn) WriteFrame(frame string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if s.timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}

	if _, err := s.w.WriteString(frame); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close implements the Conn interface.
func (s *StreamConn) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the address of the other end.
func (s *StreamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// StreamDialer dials a StreamLayer and wraps the connection in a StreamConn.
type StreamDialer struct {
	Stream  StreamLayer
	Timeout time.Duration
}

// Dial implements the Dialer interface. The target is an address understood
// by the StreamLayer; headers are ignored.
func (d *StreamDialer) Dial(ctx context.Context, target string, header http.Header) (Conn, error) {
	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := d.Stream.Dial(target, timeout)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return NewStreamConn(r.conn, d.Timeout), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
