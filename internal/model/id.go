package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewPositionID returns a fresh correlation token for a search request.
// ULIDs sort by creation time, so a later request always compares greater.
func NewPositionID() string {
	return NewID()
}
