package client

import (
	"context"
	"sync"

	"github.com/mosaicnetworks/ddp/src/proto"
)

// Future is the outcome of a method call, a ping or a subscription request.
// It completes exactly once.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result interface{}, err error) bool {
	completed := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

func (f *Future) fail(err error) bool {
	return f.complete(nil, err)
}

// Done is closed when the Future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the Future completes.
func (f *Future) Result() (interface{}, error) {
	<-f.done
	return f.result, f.err
}

// Wait blocks until the Future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request is a method call or a ping waiting for its response.
type request struct {
	seq uint64
	msg *proto.Message
	fut *Future
}
