package client

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/sirupsen/logrus"
)

// Options configures a Connection. Zero values are replaced by the defaults
// of DefaultOptions.
type Options struct {
	// Dialer opens the transport. Defaults to a websocket dialer for
	// Encapsulation.
	Dialer xnet.Dialer

	Encapsulation proto.Encapsulation

	// Header is sent with every dial.
	Header http.Header

	// RetryDelay is the wait after the first failed attempt. When
	// MaxRetryDelay is larger, the delay doubles after each failure up to
	// MaxRetryDelay; otherwise it stays fixed.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// DialTimeout bounds the dial and the handshake of every attempt.
	DialTimeout time.Duration

	// HeartbeatInterval enables client pings when positive.
	HeartbeatInterval time.Duration

	// FetchAuth returns the credentials passed to the login method after
	// every handshake. A nil credential skips login.
	FetchAuth func(ctx context.Context) (interface{}, error)

	// Baggage returns trace context attached to every request.
	Baggage func() map[string]string

	// AutoConnect starts connecting as soon as the Connection is created.
	AutoConnect bool

	Clock  clock.Clock
	Logger *logrus.Entry
}

// DefaultOptions ...
func DefaultOptions() *Options {
	return &Options{
		Encapsulation: proto.Raw,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		DialTimeout:   10 * time.Second,
		AutoConnect:   true,
	}
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = xnet.NewWebsocketDialer(o.Encapsulation, o.DialTimeout)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		logger := logrus.New()
		logger.Level = logrus.InfoLevel
		o.Logger = logger.WithField("prefix", "ddp-client")
	}
	return o
}

// backoff returns the delay before retry number n (starting at 1).
func (o Options) backoff(n int) time.Duration {
	d := o.RetryDelay
	if o.MaxRetryDelay <= d {
		return d
	}
	for i := 1; i < n && d < o.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > o.MaxRetryDelay {
		d = o.MaxRetryDelay
	}
	return d
}
