package client

import (
	"time"

	"github.com/benbjohnson/clock"
)

// heartbeat pings the server at a fixed interval and closes the socket when a
// ping is not answered within the interval.
type heartbeat struct {
	clock    clock.Clock
	interval time.Duration
	ping     func() *Future
	timeout  func()
	stopCh   chan struct{}
}

func newHeartbeat(clk clock.Clock, interval time.Duration, ping func() *Future, timeout func()) *heartbeat {
	return &heartbeat{
		clock:    clk,
		interval: interval,
		ping:     ping,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

func (h *heartbeat) run() {
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fut := h.ping()
			timer := h.clock.Timer(h.interval)
			select {
			case <-fut.Done():
				timer.Stop()
			case <-timer.C:
				h.timeout()
				return
			case <-h.stopCh:
				timer.Stop()
				return
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *heartbeat) stop() {
	close(h.stopCh)
}
