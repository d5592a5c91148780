// Package adapter provides configuration options for the MongoDB-based Socket.IO adapter.
// The adapter uses a capped MongoDB collection for message persistence and session recovery.
package adapter

import (
	"time"

	"github.com/zishang520/socket.io/adapters/adapter/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

// Default configuration values for MongoAdapterOptions.
const (
	// DefaultRequestsTimeout is the default timeout for inter-node requests.
	DefaultRequestsTimeout = 5_000 * time.Millisecond
)

type (
	// MongoAdapterOptionsInterface defines the interface for configuring MongoAdapterOptions.
	// It extends ClusterAdapterOptionsInterface with MongoDB-specific settings.
	MongoAdapterOptionsInterface interface {
		adapter.ClusterAdapterOptionsInterface

		SetRequestsTimeout(time.Duration)
		GetRawRequestsTimeout() types.Optional[time.Duration]
		RequestsTimeout() time.Duration

		SetAddCreatedAtField(bool)
		GetRawAddCreatedAtField() types.Optional[bool]
		AddCreatedAtField() bool
	}

	// MongoAdapterOptions holds configuration for the MongoDB adapter.
	//
	// Fields:
	//   - requestsTimeout: Maximum time to wait for responses to inter-node requests. Default: 5s.
	//   - addCreatedAtField: Whether to write a createdAt field on every document, so a
	//     TTL index can prune the collection when it is not capped. Default: false.
	MongoAdapterOptions struct {
		adapter.ClusterAdapterOptions

		requestsTimeout   types.Optional[time.Duration]
		addCreatedAtField types.Optional[bool]
	}
)

// DefaultMongoAdapterOptions returns a new MongoAdapterOptions with default values.
func DefaultMongoAdapterOptions() *MongoAdapterOptions {
	return &MongoAdapterOptions{}
}

// Assign copies non-nil fields from another MongoAdapterOptionsInterface.
// This method is useful for merging user-provided options with defaults.
func (s *MongoAdapterOptions) Assign(data MongoAdapterOptionsInterface) MongoAdapterOptionsInterface {
	if data == nil {
		return s
	}

	s.ClusterAdapterOptions.Assign(data)

	if data.GetRawRequestsTimeout() != nil {
		s.SetRequestsTimeout(data.RequestsTimeout())
	}
	if data.GetRawAddCreatedAtField() != nil {
		s.SetAddCreatedAtField(data.AddCreatedAtField())
	}

	return s
}

// SetRequestsTimeout sets the timeout for inter-node requests.
func (s *MongoAdapterOptions) SetRequestsTimeout(requestsTimeout time.Duration) {
	s.requestsTimeout = types.NewSome(requestsTimeout)
}

// GetRawRequestsTimeout returns the raw Optional value for requestsTimeout.
func (s *MongoAdapterOptions) GetRawRequestsTimeout() types.Optional[time.Duration] {
	return s.requestsTimeout
}

// RequestsTimeout returns the configured requests timeout.
// Returns 0 if not set; callers should use DefaultRequestsTimeout as fallback.
func (s *MongoAdapterOptions) RequestsTimeout() time.Duration {
	if s.requestsTimeout == nil {
		return 0
	}
	return s.requestsTimeout.Get()
}

// SetAddCreatedAtField sets whether a createdAt field is written on every document.
func (s *MongoAdapterOptions) SetAddCreatedAtField(addCreatedAtField bool) {
	s.addCreatedAtField = types.NewSome(addCreatedAtField)
}

// GetRawAddCreatedAtField returns the raw Optional value for addCreatedAtField.
func (s *MongoAdapterOptions) GetRawAddCreatedAtField() types.Optional[bool] {
	return s.addCreatedAtField
}

// AddCreatedAtField returns whether a createdAt field is written on every document.
func (s *MongoAdapterOptions) AddCreatedAtField() bool {
	if s.addCreatedAtField == nil {
		return false
	}
	return s.addCreatedAtField.Get()
}
