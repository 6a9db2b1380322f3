package livedata

import (
	"reflect"
	"strings"
)

// Document is a document with its "_id" field.
type Document map[string]interface{}

// ID returns the document's "_id" field.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Selector matches documents. Each key is a field name, possibly a dotted
// path into nested objects, mapped to either a value that must be equal, or
// an object of operators: $eq, $ne, $in, $nin, $exists.
type Selector map[string]interface{}

// Match reports whether doc satisfies every condition of s. An empty
// Selector matches everything.
func (s Selector) Match(doc Document) bool {
	for key, cond := range s {
		value, present := lookup(doc, key)
		if !matchCondition(value, present, cond) {
			return false
		}
	}
	return true
}

func lookup(doc Document, key string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)
	for _, part := range strings.Split(key, ".") {
		obj, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchCondition(value interface{}, present bool, cond interface{}) bool {
	ops, ok := asObject(cond)
	if !ok || !isOperatorObject(ops) {
		return present && equal(value, cond)
	}

	for op, arg := range ops {
		switch op {
		case "$eq":
			if !present || !equal(value, arg) {
				return false
			}
		case "$ne":
			if present && equal(value, arg) {
				return false
			}
		case "$in":
			if !present || !inList(value, arg) {
				return false
			}
		case "$nin":
			if present && inList(value, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isOperatorObject(obj map[string]interface{}) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func inList(value interface{}, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(value, item) {
			return true
		}
	}
	return false
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch o := v.(type) {
	case map[string]interface{}:
		return o, true
	case Document:
		return o, true
	}
	return nil, false
}

// equal compares values after normalising numbers to float64, since decoded
// documents only ever hold float64 numbers.
func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// FindOptions ...
type FindOptions struct {
	// Fields is a projection: either only 1s, to include just those fields,
	// or only 0s, to exclude them. "_id" is always included unless it is
	// explicitly set to 0.
	Fields map[string]int
}

func project(id string, fields map[string]interface{}, opts FindOptions) Document {
	doc := Document{"_id": id}

	including := false
	for k, v := range opts.Fields {
		if k != "_id" && v != 0 {
			including = true
			break
		}
	}

	for k, v := range fields {
		if k == "_id" {
			continue
		}
		flag, listed := opts.Fields[k]
		if including && (!listed || flag == 0) {
			continue
		}
		if !including && listed && flag == 0 {
			continue
		}
		doc[k] = v
	}

	if flag, listed := opts.Fields["_id"]; listed && flag == 0 {
		delete(doc, "_id")
	}

	return doc
}
