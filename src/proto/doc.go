// Package proto implements the DDP wire format.
//
// A Message is the tagged union of every client and server message. Messages
// are encoded to JSON strings with the ugorji codec, with EJSON conventions
// for values JSON cannot carry ($date, $binary, $InfNaN, $escape). Encoded
// messages travel inside frames, either one message per frame ("raw") or in
// the array framing used by SockJS ("sockjs").
package proto
