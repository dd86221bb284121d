// Package kvstore defines the narrow store interfaces the core consumes
// from the edge platform: a namespaced KV store (counter_store,
// opid_store), a Config store (signing key metadata), and a Secret store
// (signing key seeds). Production builds bind these to the platform
// SDK; this package also ships a github.com/tidwall/buntdb-backed
// implementation for local development and tests.
package kvstore

import "context"

// Store is one namespaced KV bucket. Keys and values are opaque strings;
// the platform KV primitives this models (Fastly-style edge KV, similar
// compute-edge stores) are eventually consistent across a region but
// externally consistent for a single key.
type Store interface {
	// Get returns the value for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Put writes key unconditionally.
	Put(ctx context.Context, key, value string) error
	// PutIfAbsent writes key only if it does not already exist, returning
	// wrote=false (and the existing value) if another writer won the race.
	// This backs opid_store's "last-writer safety" requirement.
	PutIfAbsent(ctx context.Context, key, value string) (wrote bool, existing string, err error)
	// Increment atomically increments the integer at key by delta,
	// creating it at delta if absent, and returns the new value. Backs
	// counter_store.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

// ConfigStore holds the signing key set's public, non-secret metadata:
// current-kid, active-kids, and one JWK per kid.
type ConfigStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SecretStore holds one base64-encoded Ed25519 private seed per kid.
type SecretStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
