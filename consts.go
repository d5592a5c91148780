// Package mongo defines constants for MongoDB-based message types used in the Socket.IO adapter.
// These message types extend the core cluster protocol for inter-node communication
// over a shared capped collection.
package mongo

import (
	"github.com/zishang520/socket.io/adapters/adapter/v3"
)

// Additional message types written to the shared collection by the MongoDB adapter.
// The core cluster message types (heartbeats, broadcasts, join/leave, fetch,
// server-side emit) are defined by the adapter package; the constants below are
// specific to the MongoDB adapter. The numbering is offset so that future core
// message types cannot collide with it.
const (
	// ALL_ROOMS requests the list of rooms from every other node.
	ALL_ROOMS adapter.MessageType = iota + 100

	// ALL_ROOMS_RESPONSE carries the rooms known to a single node.
	ALL_ROOMS_RESPONSE

	// SESSION marks a persisted client session document, written for the
	// connection state recovery feature. Session documents are data at rest,
	// not cluster events, and are never dispatched to adapters.
	SESSION
)
