// Package destination defines the narrow contract the sync worker uses to
// apply committed changes to the secondary document store.
package destination

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable indicates the secondary store cannot currently
	// accept operations (connection loss or open circuit breaker). The
	// worker treats it as a normal transient failure.
	ErrStoreUnavailable = errors.New("destination store unavailable")
	// ErrCollectionRequired is returned for an empty collection name.
	ErrCollectionRequired = errors.New("collection name is required")
	// ErrKeyRequired is returned for an empty document key.
	ErrKeyRequired = errors.New("document key is required")
	// ErrDocumentRequired is returned for a nil upsert document.
	ErrDocumentRequired = errors.New("document is required")
)

// Store applies per-aggregate changes to the secondary store.
//
// Upsert must overwrite on conflict and Delete must be a no-op for an
// absent key: the worker re-applies events after partial failures, so
// both operations have to be idempotent per key.
type Store interface {
	Upsert(ctx context.Context, collection, key string, document map[string]any) error
	Delete(ctx context.Context, collection, key string) error
	Ping(ctx context.Context) error
}
