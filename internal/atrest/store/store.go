// Package store persists at-rest encrypted blobs keyed by entity id. Every
// implementation only ever sees ciphertext; keys live in the atrest keyrings
// and never reach this layer.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no blob exists for an entity id.
var ErrNotFound = errors.New("record not found")

// Store is the blob persistence contract.
type Store interface {
	// Put writes or replaces the blob for entityID.
	Put(ctx context.Context, entityID string, blob string) error

	// Get returns the blob for entityID, or ErrNotFound.
	Get(ctx context.Context, entityID string) (string, error)

	// Delete removes the blob for entityID. Deleting an absent entity is
	// not an error.
	Delete(ctx context.Context, entityID string) error

	// List returns the entity ids with a stored blob.
	List(ctx context.Context) ([]string, error)
}
