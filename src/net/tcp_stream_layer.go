package net

import (
	"fmt"
	"net"
	"time"
)

// TCPStreamLayer implements StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	advertise string
	listener  *net.TCPListener
}

// NewTCPStreamLayer binds a TCP listener on bindAddr. advertise is optional.
func NewTCPStreamLayer(bindAddr string, advertise string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	tcpList, ok := list.(*net.TCPListener)
	if !ok {
		list.Close()
		return nil, fmt.Errorf("%s is not a TCP address", bindAddr)
	}

	return &TCPStreamLayer{
		advertise: advertise,
		listener:  tcpList,
	}, nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// AdvertiseAddr implements the SteamLayer interface.
func (t *TCPStreamLayer) AdvertiseAddr() string {
	// Use an advertise addr if provided
	if t.advertise != "" {
		return t.advertise
	}
	return t.listener.Addr().String()
}

// NewTCPDialer returns a Dialer for TCP addresses.
func NewTCPDialer(timeout time.Duration) *StreamDialer {
	return &StreamDialer{
		Stream:  &TCPStreamLayer{},
		Timeout: timeout,
	}
}
