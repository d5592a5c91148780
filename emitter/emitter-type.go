// Package emitter provides types for broadcasting messages to Socket.IO servers
// through the shared MongoDB collection.
package emitter

// BroadcastOptions contains configuration for publishing messages into the
// shared collection. These options determine how documents are authored.
type BroadcastOptions struct {
	// Nsp is the Socket.IO namespace for the broadcast.
	Nsp string

	// AddCreatedAtField indicates whether a createdAt field is written on
	// every document, so a TTL index can prune the collection when it is
	// not capped. This should match the adapter's addCreatedAtField setting.
	AddCreatedAtField bool
}
