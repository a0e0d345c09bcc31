// Package store provides the persistence layer for workflow state, events,
// and client cursors. All backends expose the same key/value plus list
// contract so the engine never depends on a concrete database.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// Store is the persistence contract shared by all backends.
//
// List operations follow Redis semantics: indexes are zero-based, negative
// indexes count from the tail (-1 is the last element), and ranges are
// inclusive on both ends.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys starting with prefix. Order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// ListPush appends value to the tail of the list stored at key,
	// creating the list if it does not exist.
	ListPush(ctx context.Context, key string, value []byte) error

	// ListRange returns elements between start and stop inclusive.
	// A missing list yields an empty result, not an error.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// ListTrim discards every element outside [start, stop].
	ListTrim(ctx context.Context, key string, start, stop int64) error

	// ListLen returns the number of elements in the list at key.
	ListLen(ctx context.Context, key string) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Type is one of "memory", "file", "redis", "postgres".
	Type string `yaml:"type"`

	// FilePath is the snapshot location for the file backend.
	FilePath string `yaml:"file_path"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// New builds the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.FilePath)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// rangeBounds converts a Redis-style inclusive [start, stop] range into
// clamped zero-based bounds for a list of the given length. ok is false when
// the range selects nothing.
func rangeBounds(length, start, stop int64) (lo, hi int64, ok bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
