// Package provider defines the byte store that backs in-process blob
// locations handed out by blobcache.
//
// blobcache writes each stored blob under its location ("blob:<uuid>") and
// reads it back through Cache.Content. Entries never expire on the blobcache
// side: pick an unbounded provider (memory, bigcache without a hard size
// limit, redis without maxmemory eviction) when every location must stay
// resolvable for the whole session.
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the
// bytes previously passed to Set for a key.
package provider

import "context"

// Provider is a minimal byte store. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value without expiry.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
