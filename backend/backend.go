// Package backend provides the file layer beneath the durable resource store.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrOutsideRoot is returned when a path does not resolve inside the backend root.
var ErrOutsideRoot = errors.New("path outside backend root")

// Info describes a stored object.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Backend stores whole documents by slash-separated key.
type Backend interface {
	// Write stores data at the given key, replacing any existing object.
	// Either the full object becomes visible or none of it does.
	Write(ctx context.Context, key string, data []byte) error

	// Read retrieves the object at the given key.
	// Returns ErrNotFound if the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at the given key.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Stat returns size and modification time for the given key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}
