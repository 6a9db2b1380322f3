package proto

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		NewConnect(),
		{Msg: MsgConnected, Session: "abc"},
		{Msg: MsgPing, ID: "p1"},
		{Msg: MsgPong},
		{Msg: MsgMethod, ID: "1", Method: "add", Params: []interface{}{1.0, "two"}, Baggage: map[string]string{"traceparent": "00-xyz"}},
		{Msg: MsgSub, ID: "s1", Name: "increments", Params: []interface{}{5.0}},
		{Msg: MsgReady, Subs: []string{"s1", "s2"}},
		{Msg: MsgNosub, ID: "s1", Error: NewError(404.0, "Subscription 'x' not found")},
		{Msg: MsgAdded, Collection: "numbers", ID: "1", Fields: Fields{"number": 1.0, "raw": []byte{1, 2, 3}}},
		{Msg: MsgChanged, Collection: "numbers", ID: "1", Fields: Fields{"hex": "a"}, Cleared: []string{"at"}},
		{Msg: MsgRemoved, Collection: "numbers", ID: "1"},
		{Msg: MsgResult, ID: "1", Result: map[string]interface{}{"id": "user-1"}},
		{Msg: MsgUpdated, Methods: []string{"1"}},
		{Msg: MsgError, Reason: "Bad request", OffendingMessage: map[string]interface{}{"msg": "bogus"}},
	}

	for _, m := range cases {
		s, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("encoding %s: %v", m.Msg, err)
		}

		got, err := DecodeMessage(s)
		if err != nil {
			t.Fatalf("decoding %s: %v", s, err)
		}

		if !reflect.DeepEqual(got, m) {
			t.Fatalf("%s did not round trip:\nwant %#v\ngot  %#v", s, m, got)
		}
	}
}

func TestDateField(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := EncodeMessage(&Message{Msg: MsgAdded, Collection: "c", ID: "1", Fields: Fields{"at": when}})
	if err != nil {
		t.Fatal(err)
	}

	m, err := DecodeMessage(s)
	if err != nil {
		t.Fatal(err)
	}

	at, ok := m.Fields["at"].(time.Time)
	if !ok || !at.Equal(when) {
		t.Fatalf("at should be %v, got %#v", when, m.Fields["at"])
	}
}

func TestResultFalseIsKept(t *testing.T) {
	s, err := EncodeMessage(&Message{Msg: MsgResult, ID: "1", Result: false})
	if err != nil {
		t.Fatal(err)
	}

	m, err := DecodeMessage(s)
	if err != nil {
		t.Fatal(err)
	}

	if m.Result != false {
		t.Fatalf("result should be false, not %#v", m.Result)
	}
}

func TestDecodeIntegersAsFloat(t *testing.T) {
	m, err := DecodeMessage(`{"msg":"added","collection":"c","id":"1","fields":{"n":3,"list":[1,2]}}`)
	if err != nil {
		t.Fatal(err)
	}

	expected := Fields{"n": 3.0, "list": []interface{}{1.0, 2.0}}
	if !reflect.DeepEqual(m.Fields, expected) {
		t.Fatalf("fields should be %#v, not %#v", expected, m.Fields)
	}
}

func TestEJSONSpecialValues(t *testing.T) {
	v, err := Unmarshal([]byte(`{"d":{"$date":1000},"b":{"$binary":"AQID"},"inf":{"$InfNaN":-1},"e":{"$escape":{"$date":"not a date"}}}`))
	if err != nil {
		t.Fatal(err)
	}

	obj := v.(map[string]interface{})

	if d, ok := obj["d"].(time.Time); !ok || !d.Equal(time.Unix(1, 0)) {
		t.Fatalf("d should be a time, got %#v", obj["d"])
	}

	if !reflect.DeepEqual(obj["b"], []byte{1, 2, 3}) {
		t.Fatalf("b should be bytes, got %#v", obj["b"])
	}

	if f, ok := obj["inf"].(float64); !ok || !math.IsInf(f, -1) {
		t.Fatalf("inf should be -Inf, got %#v", obj["inf"])
	}

	expected := map[string]interface{}{"$date": "not a date"}
	if !reflect.DeepEqual(obj["e"], expected) {
		t.Fatalf("e should be unescaped, got %#v", obj["e"])
	}

	b, err := Marshal(map[string]interface{}{"$date": "not a date"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"$escape":{"$date":"not a date"}}` {
		t.Fatalf("reserved object should be escaped, got %s", b)
	}
}

func TestMissingMsg(t *testing.T) {
	m, err := DecodeMessage(`{"server_id":"0"}`)
	if err != nil {
		t.Fatal(err)
	}
	if m.Msg != "" {
		t.Fatalf("Msg should be empty, not %q", m.Msg)
	}

	if _, err := DecodeMessage(`[1,2]`); err == nil {
		t.Fatal("arrays are not messages")
	}
}

func TestErrorFrom(t *testing.T) {
	perr := NewError("not-allowed", "Not allowed")
	if ErrorFrom(perr) != perr {
		t.Fatal("ErrorFrom should return Errors unchanged")
	}

	e := ErrorFrom(errTest("boom"))
	if e.Code != "server-error" || e.Reason != "boom" || e.Message != "boom [server-error]" || !e.IsClientSafe {
		t.Fatalf("unexpected conversion %#v", e)
	}

	if ErrorFrom(nil) != nil {
		t.Fatal("ErrorFrom(nil) should be nil")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
