// Package server implements a DDP server.
//
// A Server holds the registered methods and publications. Every accepted
// connection becomes a Session, which owns the Subscriptions started by its
// client and one PresentedCollection per collection name. PresentedCollections
// merge the documents published by overlapping Subscriptions into the single
// view the client sees, and send only the differences.
//
// Session.SetUserID reruns every Subscription under the new identity and sends
// the client the difference between the old and the new documents in one
// batch, so that the client never sees a mix of both.
package server
