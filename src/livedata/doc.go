// Package livedata implements the client-side document store.
//
// A Collection holds the documents pushed by the server for one collection
// name, in arrival order. Cursors re-scan the whole collection on every
// terminal operation; there are no indexes. Observers registered through
// Cursor.Observe are told about documents that start or stop matching their
// selector when documents are added or removed. Field changes to documents
// that already match are stored but not reported to observers.
package livedata
