package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned when a concurrent writer changed the key first.
	ErrConflict = errors.New("concurrent update conflict")
)

// Record is a stored JSON document and its revision.
type Record struct {
	Value   []byte
	Version int64
}

// Store is a string-keyed document store with compare-and-swap writes.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	// Put writes unconditionally.
	Put(ctx context.Context, key string, value []byte) error
	// CompareAndSwap writes only if the stored version still equals version.
	// Version 0 means the key must not exist yet.
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MutateFunc receives the current value (nil if the key is missing) and
// returns the replacement.
type MutateFunc func(current []byte) ([]byte, error)

const maxUpdateAttempts = 5

// Update runs an optimistic read-modify-write of key, retrying on conflict.
// Errors returned by fn abort the update without writing.
func Update(ctx context.Context, s Store, key string, fn MutateFunc) error {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			rec = Record{}
		case err != nil:
			return err
		}
		next, err := fn(rec.Value)
		if err != nil {
			return err
		}
		err = s.CompareAndSwap(ctx, key, rec.Version, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("update %s after %d attempts: %w", key, maxUpdateAttempts, lastErr)
}
