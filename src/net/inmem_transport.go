package net

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// inmemPipe is one direction of an in-memory connection. Writes never block.
type inmemPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []string
	closed bool
}

func newInmemPipe() *inmemPipe {
	p := &inmemPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *inmemPipe) write(frame string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrTransportShutdown
	}
	p.frames = append(p.frames, frame)
	p.cond.Signal()
	return nil
}

func (p *inmemPipe) read() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.frames) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.frames) == 0 {
		return "", io.EOF
	}
	frame := p.frames[0]
	p.frames = p.frames[1:]
	return frame, nil
}

func (p *inmemPipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// InmemConn is one end of an in-memory connection.
type InmemConn struct {
	in   *inmemPipe
	out  *inmemPipe
	once sync.Once
}

// NewInmemConnPair returns two connected Conns. Frames written to one are read
// from the other, in order. Closing either end closes both; frames already
// written can still be read.
func NewInmemConnPair() (*InmemConn, *InmemConn) {
	ab := newInmemPipe()
	ba := newInmemPipe()
	return &InmemConn{in: ba, out: ab}, &InmemConn{in: ab, out: ba}
}

// ReadFrame implements the Conn interface.
func (c *InmemConn) ReadFrame() (string, error) {
	return c.in.read()
}

// WriteFrame implements the Conn interface.
func (c *InmemConn) WriteFrame(frame string) error {
	return c.out.write(frame)
}

// Close implements the Conn interface.
func (c *InmemConn) Close() error {
	c.once.Do(func() {
		c.out.close()
		c.in.close()
	})
	return nil
}

// InmemDialer hands the server end of every dialed connection to Accept.
type InmemDialer struct {
	Accept func(Conn)

	mu    sync.Mutex
	conns []*InmemConn
}

// NewInmemDialer ...
func NewInmemDialer(accept func(Conn)) *InmemDialer {
	return &InmemDialer{Accept: accept}
}

// Dial implements the Dialer interface.
func (d *InmemDialer) Dial(ctx context.Context, target string, header http.Header) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, server := NewInmemConnPair()

	d.mu.Lock()
	d.conns = append(d.conns, client)
	d.mu.Unlock()

	d.Accept(server)
	return client, nil
}

// Dialed returns the number of connections opened so far.
func (d *InmemDialer) Dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// DropAll closes every connection opened by the dialer, simulating a network
// failure.
func (d *InmemDialer) DropAll() {
	d.mu.Lock()
	conns := d.conns
	d.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
