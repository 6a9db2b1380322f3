package common

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// LiveValue holds a value of type T and notifies its subscribers, in order,
// each time a different value is stored.
//
// Store and Flush are split so that owners can record a new value while
// holding their own locks and deliver it after releasing them. Values stored
// concurrently are delivered in the order they were stored. Set does both.
type LiveValue[T comparable] struct {
	mu         sync.Mutex
	value      T
	subs       map[int]func(T)
	order      []int
	nextID     int
	queue      []T
	delivering bool
}

// NewLiveValue ...
func NewLiveValue[T comparable](initial T) *LiveValue[T] {
	return &LiveValue[T]{
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

// Get returns the current value.
func (v *LiveValue[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Store records a new value and queues a notification for it. It reports
// whether the value changed.
func (v *LiveValue[T]) Store(value T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.value == value {
		return false
	}
	v.value = value
	v.queue = append(v.queue, value)
	return true
}

// Flush delivers queued notifications. A subscriber that panics does not stop
// the others from being called; the panics are returned together once every
// subscriber has run. If another goroutine is already delivering, Flush
// returns immediately and that goroutine delivers the queued values.
func (v *LiveValue[T]) Flush() error {
	v.mu.Lock()
	if v.delivering {
		v.mu.Unlock()
		return nil
	}
	v.delivering = true

	var errs error
	for len(v.queue) > 0 {
		next := v.queue[0]
		v.queue = v.queue[1:]
		subs := make([]func(T), 0, len(v.order))
		for _, id := range v.order {
			subs = append(subs, v.subs[id])
		}
		v.mu.Unlock()

		for _, fn := range subs {
			errs = multierr.Append(errs, notify(fn, next))
		}

		v.mu.Lock()
	}

	v.delivering = false
	v.mu.Unlock()
	return errs
}

// Set stores the value and delivers it.
func (v *LiveValue[T]) Set(value T) error {
	if !v.Store(value) {
		return nil
	}
	return v.Flush()
}

// Subscribe registers fn to be called with every new value. The returned
// function cancels the subscription.
func (v *LiveValue[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.order = append(v.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
			for i, o := range v.order {
				if o == id {
					v.order = append(v.order[:i], v.order[i+1:]...)
					break
				}
			}
		})
	}
}

// WaitFor blocks until the value satisfies pred, and returns that value.
func (v *LiveValue[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	matched := make(chan T, 1)
	cancel := v.Subscribe(func(value T) {
		if pred(value) {
			select {
			case matched <- value:
			default:
			}
		}
	})
	defer cancel()

	if current := v.Get(); pred(current) {
		return current, nil
	}

	select {
	case value := <-matched:
		return value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func notify[T any](fn func(T), value T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("live value subscriber: %v", r)
		}
	}()
	fn(value)
	return nil
}
