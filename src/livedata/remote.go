package livedata

import (
	"context"
	"fmt"
)

// MethodCaller calls remote methods.
type MethodCaller interface {
	Call(ctx context.Context, method string, params ...interface{}) (interface{}, error)
}

// RemoteCollection is a Collection filled by a server. Reads are served
// locally; writes are sent to the server's collection methods and come back
// through the subscriptions that publish the collection.
type RemoteCollection struct {
	*Collection
	caller MethodCaller
}

// NewRemoteCollection ...
func NewRemoteCollection(name string, caller MethodCaller) *RemoteCollection {
	return &RemoteCollection{
		Collection: NewCollection(name),
		caller:     caller,
	}
}

// Insert calls /<name>/insert and returns the id of the new document.
func (r *RemoteCollection) Insert(ctx context.Context, doc Document) (string, error) {
	res, err := r.caller.Call(ctx, r.methodName("insert"), map[string]interface{}(doc))
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, not an id", r.methodName("insert"), res)
	}
	return id, nil
}

// Update calls /<name>/update and returns the number of documents updated.
func (r *RemoteCollection) Update(ctx context.Context, selector Selector, modifier map[string]interface{}) (int, error) {
	res, err := r.caller.Call(ctx, r.methodName("update"), map[string]interface{}(selector), modifier)
	if err != nil {
		return 0, err
	}
	return count(res), nil
}

// Remove calls /<name>/remove and returns the number of documents removed.
func (r *RemoteCollection) Remove(ctx context.Context, selector Selector) (int, error) {
	res, err := r.caller.Call(ctx, r.methodName("remove"), map[string]interface{}(selector))
	if err != nil {
		return 0, err
	}
	return count(res), nil
}

func (r *RemoteCollection) methodName(op string) string {
	return "/" + r.Name() + "/" + op
}

func count(v interface{}) int {
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	return 0
}
