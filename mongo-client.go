// Package mongo provides the MongoDB collection wrapper for the Socket.IO MongoDB adapter.
// This package offers a unified handle on the shared capped collection with event
// handling support.
package mongo

import (
	"context"

	"github.com/zishang520/socket.io/v3/pkg/types"
	mongodb "go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoClient wraps the capped MongoDB collection shared by all Socket.IO servers
// and provides context management and event emitting capabilities for the adapter.
//
// The client supports error event emission, which allows higher-level components
// to handle MongoDB-related errors gracefully.
type MongoClient struct {
	types.EventEmitter

	// Collection is the capped collection used as the event stream.
	// All servers of the cluster must point at the same collection.
	Collection *mongodb.Collection

	// Context is the context used for MongoDB operations.
	// This context controls the lifecycle of cursors and pending operations.
	Context context.Context
}

// NewMongoClient creates a new MongoClient with the given context and collection.
//
// Parameters:
//   - ctx: The context that controls the lifecycle of MongoDB operations.
//     When cancelled, tailing cursors and pending operations will be terminated.
//   - collection: The capped collection used as the shared event stream.
//
// Returns:
//   - A pointer to the initialized MongoClient instance.
//
// Example:
//
//	client, _ := mongodb.Connect(options.Client().ApplyURI("mongodb://localhost:27017/?directConnection=true"))
//	mongoClient := NewMongoClient(context.Background(), client.Database("mydb").Collection("socket.io-adapter-events"))
func NewMongoClient(ctx context.Context, collection *mongodb.Collection) *MongoClient {
	if ctx == nil {
		ctx = context.Background()
	}

	return &MongoClient{
		EventEmitter: types.NewEventEmitter(),
		Collection:   collection,
		Context:      ctx,
	}
}
