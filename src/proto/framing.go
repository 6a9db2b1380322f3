package proto

import (
	"fmt"
	"strings"
)

// Encapsulation selects how messages are framed on the transport.
type Encapsulation string

const (
	// Raw sends one message per frame.
	Raw Encapsulation = "raw"
	// SockJS wraps messages in arrays, with single-letter frame prefixes on
	// the server side.
	SockJS Encapsulation = "sockjs"
)

// ParseEncapsulation validates an encapsulation name. The empty string means
// Raw.
func ParseEncapsulation(s string) (Encapsulation, error) {
	switch Encapsulation(s) {
	case "", Raw:
		return Raw, nil
	case SockJS:
		return SockJS, nil
	}
	return "", fmt.Errorf("unknown encapsulation %q", s)
}

// SockJS frame prefixes.
const (
	OpenFrame      = "o"
	HeartbeatFrame = "h"
	arrayPrefix    = "a"
	closePrefix    = "c"
)

// FrameKind ...
type FrameKind int

const (
	// DataFrame carries messages.
	DataFrame FrameKind = iota
	// OpenBanner is the SockJS "o" frame.
	OpenBanner
	// Heartbeat is the SockJS "h" frame.
	Heartbeat
	// Close is the SockJS "c" frame.
	Close
)

// Frame is one parsed transport frame.
type Frame struct {
	Kind        FrameKind
	Messages    []string
	CloseCode   int
	CloseReason string
}

// CloseError is returned when the server closes the SockJS session.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("sockjs closed: %d %s", e.Code, e.Reason)
}

// ParseServerFrame parses a frame received by a client.
func ParseServerFrame(enc Encapsulation, frame string) (Frame, error) {
	if enc != SockJS {
		return Frame{Kind: DataFrame, Messages: []string{frame}}, nil
	}

	switch {
	case frame == OpenFrame:
		return Frame{Kind: OpenBanner}, nil
	case frame == HeartbeatFrame:
		return Frame{Kind: Heartbeat}, nil
	case strings.HasPrefix(frame, arrayPrefix):
		msgs, err := parseStringArray(frame[len(arrayPrefix):])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: DataFrame, Messages: msgs}, nil
	case strings.HasPrefix(frame, closePrefix):
		v, err := Unmarshal([]byte(frame[len(closePrefix):]))
		if err != nil {
			return Frame{}, err
		}
		f := Frame{Kind: Close}
		if parts, ok := v.([]interface{}); ok && len(parts) == 2 {
			if code, ok := number(parts[0]); ok {
				f.CloseCode = int(code)
			}
			f.CloseReason, _ = parts[1].(string)
		}
		return f, nil
	}
	return Frame{}, fmt.Errorf("unknown sockjs frame %q", truncate(frame))
}

// ParseClientFrame parses a frame received by a server.
func ParseClientFrame(enc Encapsulation, frame string) (Frame, error) {
	if enc != SockJS {
		return Frame{Kind: DataFrame, Messages: []string{frame}}, nil
	}
	msgs, err := parseStringArray(frame)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: DataFrame, Messages: msgs}, nil
}

// ServerFrames frames encoded messages sent by a server.
func ServerFrames(enc Encapsulation, msgs []string) ([]string, error) {
	if enc != SockJS {
		return msgs, nil
	}
	b, err := Marshal(toInterfaces(msgs))
	if err != nil {
		return nil, err
	}
	return []string{arrayPrefix + string(b)}, nil
}

// ClientFrames frames encoded messages sent by a client.
func ClientFrames(enc Encapsulation, msgs []string) ([]string, error) {
	if enc != SockJS {
		return msgs, nil
	}
	b, err := Marshal(toInterfaces(msgs))
	if err != nil {
		return nil, err
	}
	return []string{string(b)}, nil
}

// CloseFrame returns the SockJS close frame for code and reason.
func CloseFrame(code int, reason string) string {
	b, err := Marshal([]interface{}{code, reason})
	if err != nil {
		return closePrefix + "[3000,\"\"]"
	}
	return closePrefix + string(b)
}

func parseStringArray(s string) ([]string, error) {
	v, err := Unmarshal([]byte(s))
	if err != nil {
		return nil, err
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("sockjs payload is %T, not an array", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("sockjs payload item is %T, not a string", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func toInterfaces(msgs []string) []interface{} {
	out := make([]interface{}, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
