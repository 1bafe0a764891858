package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewExecutionID returns a random identifier for one boot of a worker.
// Events emitted during that boot carry it so they can be correlated.
func NewExecutionID() string {
	return uuid.NewString()
}
