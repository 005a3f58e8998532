// Package durable holds small string-keyed values that must survive process
// restarts. Writes that span several keys are applied atomically.
package durable

import (
	"context"
	"errors"
)

// ErrClosed reports use of a store after Close.
var ErrClosed = errors.New("durable: store closed")

// Store persists small values that must survive restarts.
type Store interface {
	// GetMany returns the values present for keys; absent keys are omitted.
	GetMany(ctx context.Context, keys ...string) (map[string][]byte, error)
	// PutMany writes every pair or none of them.
	PutMany(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
