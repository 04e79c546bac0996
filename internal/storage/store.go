// Package storage defines the key/value and priority-queue persistence contract
// consumed by the scheduler and the crawler's dedup logic. Backends live in the
// sub-packages (memory, postgres, redis, sqlite) and are interchangeable.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Store is implemented by every persistence backend.
//
// The key/value operations (Get/Set) and the queue operations
// (Enqueue/Dequeue/Size) are independent access patterns; callers never assume
// a transaction spans both. Remove drops all state held under a key, whichever
// side it lives on.
type Store interface {
	// Init prepares the backend for use. It is idempotent.
	Init(ctx context.Context) error
	// Close releases backend resources.
	Close() error
	// Clear drops all stored state.
	Clear(ctx context.Context) error
	// Get returns the value stored under key; ok is false when absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set writes value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error
	// Enqueue adds one item to the ordered collection stored under key.
	Enqueue(ctx context.Context, key, value string, priority int) error
	// Dequeue removes and returns the highest-priority item under key, the
	// earliest enqueued winning ties. ok is false when the collection is empty.
	// Concurrent callers never receive the same item.
	Dequeue(ctx context.Context, key string) (value string, ok bool, err error)
	// Size counts the items queued under key.
	Size(ctx context.Context, key string) (int, error)
	// Remove deletes all state under key.
	Remove(ctx context.Context, key string) error
}

// Error reports a failed storage operation. Backends return it for every
// environment failure so callers can tell storage trouble apart from
// per-request errors with errors.As.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap exposes the backend error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds an *Error for op, returning nil when err is nil. Errors that are
// already *Error are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsStorageError reports whether err originated in a storage backend.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
