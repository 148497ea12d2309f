// Package storage implements the identity-scoped content-addressed store the
// client keeps conversation logs, vectors and checkpoint payloads in.
//
// A Facade is connected with an identity's seed phrase. The seed yields both
// the encryption key and a key-prefix namespace, so two identities sharing
// the same underlying database can neither read nor even locate each other's
// paths: confidentiality comes from encryption, not access control.
//
// The local backend is BadgerDB, used in the same tiered-persistence role it
// plays elsewhere in the stack: a low-latency embedded store that survives
// process restarts. An in-memory mode exists for tests.
package storage

import (
	"context"
	"time"
)

// Metadata describes a stored value without exposing its content.
type Metadata struct {
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Facade is the identity-scoped key-value surface consumed by the
// conversation, vector and checkpoint layers.
//
// Writes are durable before Put returns. A single identity serializes writes
// to the same path; writes to distinct paths may proceed in parallel. The
// facade is last-writer-wins: consumers needing ordering (the conversation
// store's gap-free indices, for one) layer it themselves.
type Facade interface {
	// Put stores value at path, overwriting any previous value.
	Put(ctx context.Context, path string, value []byte) error

	// Get returns the value at path. The second return is false when the
	// path has never been written by this identity.
	Get(ctx context.Context, path string) ([]byte, bool, error)

	// Metadata returns size and timestamps for path without decrypt-copying
	// the full value to the caller.
	Metadata(ctx context.Context, path string) (*Metadata, bool, error)

	// Delete removes the value at path. Deleting an absent path is not an
	// error.
	Delete(ctx context.Context, path string) error

	// List returns the paths under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying database if this facade owns it.
	Close() error
}
