package proto

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/ugorji/go/codec"
)

var jsonHandle = newJSONHandle()

func newJSONHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	jh.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return jh
}

// Marshal encodes v as EJSON.
func Marshal(v interface{}) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, jsonHandle)
	if err := enc.Encode(encodeValue(v)); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes EJSON data. Objects become map[string]interface{}, arrays
// []interface{} and numbers float64.
func Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	dec := codec.NewDecoderBytes(data, jsonHandle)
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return decodeValue(v), nil
}

// EncodeMessage encodes m into its wire string.
func EncodeMessage(m *Message) (string, error) {
	b, err := Marshal(m.toMap())
	if err != nil {
		return "", fmt.Errorf("encoding %s message: %w", m.Msg, err)
	}
	return string(b), nil
}

// DecodeMessage parses a wire string. Objects without a "msg" field decode to
// a Message with an empty Msg.
func DecodeMessage(s string) (*Message, error) {
	v, err := Unmarshal([]byte(s))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("message is %T, not an object", v)
	}
	return messageFromMap(obj)
}

func (m *Message) toMap() map[string]interface{} {
	out := map[string]interface{}{"msg": m.Msg}

	setString := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}

	setString("session", m.Session)
	setString("version", m.Version)
	setString("id", m.ID)
	setString("method", m.Method)
	setString("name", m.Name)
	setString("collection", m.Collection)
	setString("reason", m.Reason)

	if m.Support != nil {
		out["support"] = m.Support
	}

	switch m.Msg {
	case MsgMethod, MsgSub:
		params := m.Params
		if params == nil {
			params = []interface{}{}
		}
		out["params"] = params
	}
	if m.RandomSeed != nil {
		out["randomSeed"] = m.RandomSeed
	}

	switch m.Msg {
	case MsgReady:
		subs := m.Subs
		if subs == nil {
			subs = []string{}
		}
		out["subs"] = subs
	case MsgUpdated:
		methods := m.Methods
		if methods == nil {
			methods = []string{}
		}
		out["methods"] = methods
	case MsgAddedBefore, MsgMovedBefore:
		out["before"] = m.Before
	}

	if m.Fields != nil {
		out["fields"] = map[string]interface{}(m.Fields)
	}
	if len(m.Cleared) > 0 {
		out["cleared"] = m.Cleared
	}

	if m.Error != nil {
		out["error"] = m.Error.toMap()
	} else if m.Result != nil {
		out["result"] = m.Result
	}

	if m.OffendingMessage != nil {
		out["offendingMessage"] = m.OffendingMessage
	}
	if len(m.Baggage) > 0 {
		out["baggage"] = m.Baggage
	}

	return out
}

func messageFromMap(obj map[string]interface{}) (*Message, error) {
	m := &Message{}
	m.Msg, _ = obj["msg"].(string)
	m.Session, _ = obj["session"].(string)
	m.Version, _ = obj["version"].(string)
	m.ID, _ = obj["id"].(string)
	m.Method, _ = obj["method"].(string)
	m.Name, _ = obj["name"].(string)
	m.Collection, _ = obj["collection"].(string)
	m.RandomSeed = obj["randomSeed"]
	m.Before = obj["before"]
	m.Result = obj["result"]
	m.OffendingMessage = obj["offendingMessage"]

	if m.Msg == MsgError {
		m.Reason, _ = obj["reason"].(string)
	}

	m.Support = stringList(obj["support"])
	m.Subs = stringList(obj["subs"])
	m.Methods = stringList(obj["methods"])
	m.Cleared = stringList(obj["cleared"])

	if params, ok := obj["params"].([]interface{}); ok {
		m.Params = params
	}

	if fields, ok := obj["fields"].(map[string]interface{}); ok {
		m.Fields = Fields(fields)
	}

	if raw, ok := obj["error"]; ok && raw != nil && m.Msg != MsgError {
		e, err := errorFromValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s message: %w", m.Msg, err)
		}
		m.Error = e
	}

	if baggage, ok := obj["baggage"].(map[string]interface{}); ok {
		m.Baggage = make(map[string]string, len(baggage))
		for k, v := range baggage {
			if s, ok := v.(string); ok {
				m.Baggage[k] = s
			}
		}
	}

	return m, nil
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// encodeValue rewrites values that JSON cannot represent into their EJSON
// objects.
func encodeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case time.Time:
		return map[string]interface{}{"$date": x.UnixMilli()}
	case *time.Time:
		if x == nil {
			return nil
		}
		return map[string]interface{}{"$date": x.UnixMilli()}
	case []byte:
		return map[string]interface{}{"$binary": base64.StdEncoding.EncodeToString(x)}
	case float64:
		return encodeFloat(x)
	case float32:
		return encodeFloat(float64(x))
	case Fields:
		return encodeObject(x)
	case map[string]interface{}:
		return encodeObject(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = encodeValue(item)
		}
		return out
	case *Message:
		return encodeValue(x.toMap())
	default:
		return v
	}
}

func encodeFloat(f float64) interface{} {
	switch {
	case math.IsNaN(f):
		return map[string]interface{}{"$InfNaN": 0}
	case math.IsInf(f, 1):
		return map[string]interface{}{"$InfNaN": 1}
	case math.IsInf(f, -1):
		return map[string]interface{}{"$InfNaN": -1}
	}
	return f
}

func encodeObject(obj map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, item := range obj {
		out[k] = encodeValue(item)
	}
	if isReservedObject(obj) {
		return map[string]interface{}{"$escape": out}
	}
	return out
}

func isReservedObject(obj map[string]interface{}) bool {
	switch len(obj) {
	case 1:
		for k := range obj {
			switch k {
			case "$date", "$binary", "$InfNaN", "$escape", "$type":
				return true
			}
		}
	case 2:
		_, hasType := obj["$type"]
		_, hasValue := obj["$value"]
		return hasType && hasValue
	}
	return false
}

func decodeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case map[string]interface{}:
		return decodeObject(x)
	case []interface{}:
		for i, item := range x {
			x[i] = decodeValue(item)
		}
		return x
	default:
		return v
	}
}

func decodeObject(obj map[string]interface{}) interface{} {
	if len(obj) == 1 {
		if ms, ok := obj["$date"]; ok {
			if n, ok := number(ms); ok {
				return time.UnixMilli(int64(n)).UTC()
			}
		}
		if s, ok := obj["$binary"].(string); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				return b
			}
		}
		if sign, ok := obj["$InfNaN"]; ok {
			if n, ok := number(sign); ok {
				switch {
				case n > 0:
					return math.Inf(1)
				case n < 0:
					return math.Inf(-1)
				default:
					return math.NaN()
				}
			}
		}
		if inner, ok := obj["$escape"].(map[string]interface{}); ok {
			for k, item := range inner {
				inner[k] = decodeValue(item)
			}
			return inner
		}
	}
	for k, item := range obj {
		obj[k] = decodeValue(item)
	}
	return obj
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
