// Package net implements the transports that carry DDP frames.
//
// Every transport is exposed as a Conn, a bidirectional stream of string
// frames. Clients obtain Conns from a Dialer; servers accept them from an
// HTTP upgrade or a StreamLayer. There are three implementations:
//
// - Inmem: a pair of connected in-process Conns, used for testing
//
// - Websocket: one frame per websocket text message (gorilla/websocket)
//
// - Stream: newline-delimited frames over any net.Conn, typically TCP
//
// # Websocket
//
// WebsocketDialer turns an application URL (http, https, ws or wss) into the
// websocket endpoint expected by the encapsulation: /websocket for raw framing
// and /sockjs/<shard>/<session>/websocket for SockJS framing.
//
// # Stream
//
// Frames are JSON and never contain raw newlines, so a newline terminates each
// frame. TCPStreamLayer provides the listener and dialer for plain TCP.
package net
