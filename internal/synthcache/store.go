// Package synthcache is a write-through cache of synthesized audio keyed by
// the exact request text.
package synthcache

import (
	"context"
	"io"
)

// Ext is the file extension of cache entries.
const Ext = ".pcm"

// Store persists cache entries. Implementations must be safe for concurrent
// use, and an entry must never be visible to Open before its writer commits.
type Store interface {
	// Open returns the entry for key. A missing entry yields an error
	// wrapping fs.ErrNotExist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Create starts a new entry for key.
	Create(ctx context.Context, key string) (Writer, error)
}

// Writer receives the bytes of one entry. Exactly one of Commit or Abort
// must be called.
type Writer interface {
	io.Writer
	// Commit publishes the entry.
	Commit() error
	// Abort discards everything written.
	Abort() error
}
