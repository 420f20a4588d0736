package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process map, lost on exit (tests, dev)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by the coordinator and the
// template store. Get reports ok=false when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error

	// List returns all key/value pairs whose key starts with prefix.
	// Order is unspecified.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	Close() error
}
