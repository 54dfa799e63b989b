package domain

import "context"

// KVStore is the durable key-value coordination store.
type KVStore interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
