// Package adapter defines types and interfaces for the MongoDB-based Socket.IO adapter.
// The shared capped collection provides message persistence and enables session
// recovery across server restarts.
package adapter

import (
	"sync/atomic"

	"github.com/zishang520/socket.io/adapters/adapter/v3"
	"github.com/zishang520/socket.io/adapters/mongo/v3"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
	"github.com/zishang520/socket.io/v3/pkg/utils"
)

type (
	// MongoRequest represents an internal request tracker with state management,
	// used for requests that are not part of the core cluster protocol.
	MongoRequest struct {
		// Type identifies the message/request type.
		Type adapter.MessageType

		// Resolve is the callback invoked when the request completes successfully.
		Resolve func(*types.Set[socket.Room])

		// Timeout is the timer for request timeout handling.
		Timeout *atomic.Pointer[utils.Timer]

		// NumSub is the number of expected responses from other nodes.
		NumSub int64

		// MsgCount tracks the number of responses received.
		MsgCount *atomic.Int64

		// Rooms accumulates room information from responses.
		Rooms *types.Set[socket.Room]
	}

	// MongoAdapter defines the interface for a MongoDB-based Socket.IO adapter.
	// It extends ClusterAdapterWithHeartbeat with MongoDB-specific functionality.
	MongoAdapter interface {
		adapter.ClusterAdapterWithHeartbeat

		// SetMongo configures the MongoDB client for the adapter.
		SetMongo(*mongo.MongoClient)

		// Cleanup registers a cleanup callback to be called when the adapter is closed.
		Cleanup(func())

		// OnRawMessage processes a raw document read from the shared collection.
		OnRawMessage(*mongo.RawClusterMessage, string) error

		// AllRooms returns a function to retrieve all rooms across the cluster.
		AllRooms() func(func(*types.Set[socket.Room], error))
	}
)
