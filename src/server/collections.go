package server

import (
	"context"
	"fmt"

	cm "github.com/mosaicnetworks/ddp/src/common"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/mosaicnetworks/ddp/src/store"
)

// PublishCollection returns a publication of every document of a stored
// collection. It sends the current documents, becomes ready, and then
// follows the changes until the subscription stops.
func PublishCollection(st store.Store, collection string) PublicationHandler {
	return func(sub *Subscription, params []interface{}) ([]Stream, error) {
		snapshot, changes, cancel, err := st.Watch(collection)
		if err != nil {
			return nil, err
		}

		events := make(chan Event)
		go func() {
			defer cancel()
			defer close(events)

			ctx := sub.Context()
			emit := func(ev Event) bool {
				select {
				case events <- ev:
					return true
				case <-ctx.Done():
					return false
				}
			}

			for _, doc := range snapshot {
				if !emit(Added(collection, doc.ID, doc.Fields)) {
					return
				}
			}
			if !emit(Ready()) {
				return
			}

			for {
				select {
				case c, ok := <-changes:
					if !ok {
						return
					}
					if !emit(changeEvent(c)) {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		return []Stream{events}, nil
	}
}

func changeEvent(c store.Change) Event {
	switch c.Kind {
	case store.Added:
		return Added(c.Collection, c.ID, c.Fields)
	case store.Changed:
		return Changed(c.Collection, c.ID, c.Fields, c.Cleared)
	default:
		return Removed(c.Collection, c.ID)
	}
}

// RegisterCollectionMethods registers /<collection>/insert, update and remove
// on srv, applied to st. Selectors must name a single document by _id and
// modifiers may only use $set and $unset.
func RegisterCollectionMethods(srv *Server, st store.Store, collection string) {
	prefix := "/" + collection + "/"

	srv.AddMethod(prefix+"insert", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		doc, err := objectParam(call.Params, 0)
		if err != nil {
			return nil, err
		}

		fields := make(map[string]interface{}, len(doc))
		id := ""
		for k, v := range doc {
			if k == "_id" {
				s, ok := v.(string)
				if !ok {
					return nil, proto.NewError(400.0, "_id must be a string")
				}
				id = s
				continue
			}
			fields[k] = v
		}
		if id == "" {
			id = call.Random.ID()
		}

		if err := st.Insert(collection, id, fields); err != nil {
			if cm.IsStore(err, cm.KeyAlreadyExists) {
				return nil, proto.NewError(409.0, fmt.Sprintf("Duplicate _id '%s'", id))
			}
			return nil, err
		}
		return id, nil
	})

	srv.AddMethod(prefix+"update", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		id, err := selectorID(call.Params)
		if err != nil {
			return nil, err
		}
		modifier, err := objectParam(call.Params, 1)
		if err != nil {
			return nil, err
		}

		set := map[string]interface{}{}
		var unset []string
		for op, arg := range modifier {
			obj, ok := arg.(map[string]interface{})
			if !ok {
				return nil, proto.NewError(400.0, fmt.Sprintf("%s takes an object", op))
			}
			switch op {
			case "$set":
				for k, v := range obj {
					set[k] = v
				}
			case "$unset":
				for k := range obj {
					unset = append(unset, k)
				}
			default:
				return nil, proto.NewError(400.0, fmt.Sprintf("Unsupported modifier %s", op))
			}
		}

		if err := st.Update(collection, id, set, unset); err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				return 0, nil
			}
			return nil, err
		}
		return 1, nil
	})

	srv.AddMethod(prefix+"remove", func(ctx context.Context, call *MethodCall) (interface{}, error) {
		id, err := selectorID(call.Params)
		if err != nil {
			return nil, err
		}
		if err := st.Remove(collection, id); err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				return 0, nil
			}
			return nil, err
		}
		return 1, nil
	})
}

func objectParam(params []interface{}, i int) (map[string]interface{}, error) {
	if i >= len(params) {
		return nil, proto.NewError(400.0, fmt.Sprintf("Missing parameter %d", i))
	}
	obj, ok := params[i].(map[string]interface{})
	if !ok {
		return nil, proto.NewError(400.0, fmt.Sprintf("Parameter %d must be an object", i))
	}
	return obj, nil
}

func selectorID(params []interface{}) (string, error) {
	sel, err := objectParam(params, 0)
	if err != nil {
		return "", err
	}
	id, ok := sel["_id"].(string)
	if !ok || len(sel) != 1 {
		return "", proto.NewError(400.0, "Only {_id: <string>} selectors are supported")
	}
	return id, nil
}
