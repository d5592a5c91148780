// Package emitter provides an API for broadcasting messages to Socket.IO servers
// via MongoDB without requiring a full Socket.IO server instance.
package emitter

import (
	"github.com/zishang520/socket.io/v3/pkg/types"
)

type (
	// EmitterOptionsInterface defines the interface for configuring emitter options.
	// It provides getters and setters for all configurable options.
	EmitterOptionsInterface interface {
		// SetAddCreatedAtField sets whether a createdAt field is written on every document.
		SetAddCreatedAtField(bool)
		// GetRawAddCreatedAtField returns the raw Optional wrapper for the setting.
		GetRawAddCreatedAtField() types.Optional[bool]
		// AddCreatedAtField returns whether a createdAt field is written on every document.
		AddCreatedAtField() bool
	}

	// EmitterOptions holds configuration options for the MongoDB emitter.
	// All fields are optional and will use default values if not explicitly set.
	EmitterOptions struct {
		// addCreatedAtField indicates whether a createdAt field is written on
		// every document, for store-side TTL pruning.
		// Default: false
		addCreatedAtField types.Optional[bool]
	}
)

// DefaultEmitterOptions creates a new EmitterOptions instance with default values.
func DefaultEmitterOptions() *EmitterOptions {
	return &EmitterOptions{}
}

// Assign copies non-nil option values from another EmitterOptionsInterface.
// This allows merging configuration from multiple sources.
func (o *EmitterOptions) Assign(data EmitterOptionsInterface) EmitterOptionsInterface {
	if data == nil {
		return o
	}

	if data.GetRawAddCreatedAtField() != nil {
		o.SetAddCreatedAtField(data.AddCreatedAtField())
	}

	return o
}

// SetAddCreatedAtField sets whether a createdAt field is written on every document.
func (o *EmitterOptions) SetAddCreatedAtField(addCreatedAtField bool) {
	o.addCreatedAtField = types.NewSome(addCreatedAtField)
}

// GetRawAddCreatedAtField returns the raw Optional wrapper for the setting.
func (o *EmitterOptions) GetRawAddCreatedAtField() types.Optional[bool] {
	return o.addCreatedAtField
}

// AddCreatedAtField returns whether a createdAt field is written on every document.
func (o *EmitterOptions) AddCreatedAtField() bool {
	if o.addCreatedAtField == nil {
		return false
	}
	return o.addCreatedAtField.Get()
}
