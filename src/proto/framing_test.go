package proto

import (
	"reflect"
	"testing"
)

func TestSockJSServerFrames(t *testing.T) {
	frames, err := ServerFrames(SockJS, []string{`{"msg":"ping"}`, `{"msg":"pong"}`})
	if err != nil {
		t.Fatal(err)
	}

	if len(frames) != 1 {
		t.Fatalf("messages should be batched in one frame, got %d", len(frames))
	}

	if frames[0] != `a["{\"msg\":\"ping\"}","{\"msg\":\"pong\"}"]` {
		t.Fatalf("unexpected frame %s", frames[0])
	}

	f, err := ParseServerFrame(SockJS, frames[0])
	if err != nil {
		t.Fatal(err)
	}

	if f.Kind != DataFrame || !reflect.DeepEqual(f.Messages, []string{`{"msg":"ping"}`, `{"msg":"pong"}`}) {
		t.Fatalf("unexpected parse %#v", f)
	}
}

func TestSockJSControlFrames(t *testing.T) {
	cases := []struct {
		frame string
		kind  FrameKind
	}{
		{"o", OpenBanner},
		{"h", Heartbeat},
		{`c[3000,"Go away!"]`, Close},
	}

	for _, c := range cases {
		f, err := ParseServerFrame(SockJS, c.frame)
		if err != nil {
			t.Fatalf("%s: %v", c.frame, err)
		}
		if f.Kind != c.kind {
			t.Fatalf("%s should be kind %d, not %d", c.frame, c.kind, f.Kind)
		}
	}

	f, _ := ParseServerFrame(SockJS, CloseFrame(3000, "Go away!"))
	if f.CloseCode != 3000 || f.CloseReason != "Go away!" {
		t.Fatalf("unexpected close %#v", f)
	}

	if _, err := ParseServerFrame(SockJS, "x"); err == nil {
		t.Fatal("unknown frames should fail")
	}
}

func TestSockJSClientFrames(t *testing.T) {
	frames, err := ClientFrames(SockJS, []string{`{"msg":"connect"}`})
	if err != nil {
		t.Fatal(err)
	}

	f, err := ParseClientFrame(SockJS, frames[0])
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(f.Messages, []string{`{"msg":"connect"}`}) {
		t.Fatalf("unexpected messages %v", f.Messages)
	}
}

func TestRawFrames(t *testing.T) {
	msgs := []string{"a", "b"}

	frames, _ := ServerFrames(Raw, msgs)
	if !reflect.DeepEqual(frames, msgs) {
		t.Fatalf("raw frames should be the messages, got %v", frames)
	}

	f, _ := ParseServerFrame(Raw, "o")
	if f.Kind != DataFrame || f.Messages[0] != "o" {
		t.Fatalf("raw frames are never control frames, got %#v", f)
	}
}

func TestParseEncapsulation(t *testing.T) {
	if e, err := ParseEncapsulation(""); err != nil || e != Raw {
		t.Fatalf("empty should be raw, got %q %v", e, err)
	}
	if e, err := ParseEncapsulation("sockjs"); err != nil || e != SockJS {
		t.Fatalf("got %q %v", e, err)
	}
	if _, err := ParseEncapsulation("xhr"); err == nil {
		t.Fatal("xhr should be rejected")
	}
}
