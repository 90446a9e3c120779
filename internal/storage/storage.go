// Package storage provides durable key/value backends used to persist the
// offline mutation queue across restarts.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// KV is the minimal durable store the sync engines need: one opaque value
// per key, rewritten wholesale.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
