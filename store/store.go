// Package store provides the encrypted local record store.
//
// Records live in one SQLite table per collection. A plain SQL layer persists
// rows whose non-indexed fields are serialized into a single body column; the
// CryptoStore decorator implements the same Store interface and encrypts that
// body on write and decrypts it on read, so calling code only ever sees plain
// records. A Session scopes the open database and derived key to one
// identity.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Record is one plain record of a collection. Every record carries "id"
// (stable identifier, the local primary key and part of the relay address)
// and "updatedAt" (ISO-8601, set on every local mutation, the sole merge
// tie-breaker). All other fields are collection-specific.
type Record map[string]any

// ID returns the record's id field, or "" when absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// UpdatedAt returns the record's updatedAt field, or "" when absent.
func (r Record) UpdatedAt() string {
	ts, _ := r["updatedAt"].(string)
	return ts
}

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("store: record not found")
	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("store: session closed")
)

// Store is the per-collection CRUD surface exposed to the rest of the
// application. Implementations must treat one corrupted row as that row's
// problem only: bulk reads never fail because a single body cannot be
// decoded.
type Store interface {
	// Put inserts or replaces the record under its id.
	Put(ctx context.Context, collection string, rec Record) error
	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Record, error)
	// List returns all records of the collection.
	List(ctx context.Context, collection string) ([]Record, error)
	// ListBy returns records whose declared plain field equals value.
	ListBy(ctx context.Context, collection, field, value string) ([]Record, error)
	// Delete removes the record with the given id. Deleting a missing
	// record is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// DeleteBy removes all records whose declared plain field equals value.
	DeleteBy(ctx context.Context, collection, field, value string) error
	// ReplaceAll replaces the entire collection contents.
	ReplaceAll(ctx context.Context, collection string, recs []Record) error
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.New().String()
}
