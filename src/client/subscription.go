package client

import (
	"context"
	"errors"
	"sync"

	"github.com/mosaicnetworks/ddp/src/common"
	"github.com/mosaicnetworks/ddp/src/proto"
)

// ErrSubscriptionStopped is returned by Wait for a subscription stopped with
// Stop.
var ErrSubscriptionStopped = errors.New("subscription stopped")

// SubscriptionState ...
type SubscriptionState struct {
	Ready   bool
	Stopped bool
	// Error is set when the server stopped the subscription with an error.
	Error *proto.Error
}

// Subscription is a client's handle on a publication. It survives
// reconnections: the Connection sends it again on every new socket.
type Subscription struct {
	id     string
	name   string
	params []interface{}
	conn   *Connection
	state  *common.LiveValue[SubscriptionState]

	done     chan struct{}
	stopOnce sync.Once
}

// ID returns the client-generated subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Name returns the publication name.
func (s *Subscription) Name() string {
	return s.name
}

// State returns the observable readiness of the subscription.
func (s *Subscription) State() *common.LiveValue[SubscriptionState] {
	return s.state
}

// Done is closed when the subscription stops.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// IsReady ...
func (s *Subscription) IsReady() bool {
	return s.state.Get().Ready
}

// Wait blocks until the subscription is ready. It fails if the subscription
// is stopped first.
func (s *Subscription) Wait(ctx context.Context) error {
	st, err := s.state.WaitFor(ctx, func(st SubscriptionState) bool {
		return st.Ready || st.Stopped
	})
	if err != nil {
		return err
	}
	if st.Stopped {
		if st.Error != nil {
			return st.Error
		}
		if !st.Ready {
			return ErrSubscriptionStopped
		}
	}
	return nil
}

// Stop ends the subscription and tells the server if connected. It is safe to
// call more than once.
func (s *Subscription) Stop() {
	s.conn.unsubscribe(s)
}
