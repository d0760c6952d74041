package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Remote when the key is absent or expired.
	ErrNotFound = errors.New("cache: key not found")

	// ErrConflict is returned by CompareAndPut when the stored revision moved.
	ErrConflict = errors.New("cache: revision conflict")
)

// Remote is the shared tier. Every call may fail with a transport error; the
// Tiered store treats any error other than ErrNotFound and ErrConflict as an
// outage.
type Remote interface {
	// Get returns the value and its revision. An expired record yields
	// ErrNotFound together with its revision so it can be overwritten with
	// CompareAndPut.
	Get(ctx context.Context, key string) ([]byte, uint64, error)

	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndPut writes value only if the stored revision equals rev.
	// rev 0 means the key must not exist.
	CompareAndPut(ctx context.Context, key string, value []byte, ttl time.Duration, rev uint64) error

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
