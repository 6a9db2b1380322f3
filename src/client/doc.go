// Package client implements a DDP client.
//
// A Connection owns at most one Socket at a time. It dials the server through
// a net.Dialer, runs the handshake, and then lets the Socket's read loop
// correlate responses with pending requests. Methods, pings and
// subscriptions requested while there is no Socket are queued and sent, in
// order, as soon as a connection succeeds.
//
// The Connection's status follows the cycle
//
//	offline -> connecting -> connected -> waiting -> connecting -> ...
//
// where waiting means a retry timer is armed. Disconnect returns to offline
// from any state. A server that refuses the protocol version moves the
// Connection to failed, from which it does not retry on its own.
package client
