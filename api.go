package blobcache

import (
	"context"
	"maps"
	"net/http"
	"time"

	"github.com/unkn0wn-root/blobcache/internal/util"
	"github.com/unkn0wn-root/blobcache/protocol"
	pr "github.com/unkn0wn-root/blobcache/provider"
)

// Metadata is an open map of scalar/string fields attached to an entry.
type Metadata map[string]any

// Clone returns a shallow copy; nil stays nil.
func (m Metadata) Clone() Metadata { return maps.Clone(m) }

// Entry is one cache row. Location is either an in-process blob handle
// ("blob:<uuid>") or a path returned by the durable store.
type Entry struct {
	Location string
	Metadata Metadata
}

// KeyOptions select the cache row for an input. Key, when set, is used as-is
// and Tags are ignored (a warning is logged). Otherwise the key is derived
// from the input's identifier and Tags.
type KeyOptions struct {
	Key  string
	Tags []string
}

// TransportOptions shape the network request made on a full miss.
type TransportOptions struct {
	Method string // "" => GET
	Header http.Header
	Body   []byte
}

// FetchOptions tune Fetch. MimeType overrides the response content type.
// Metadata is merged into the stored entry (only when the entry is created).
type FetchOptions struct {
	KeyOptions
	Metadata  Metadata
	MimeType  string
	Transport *TransportOptions
}

// Cache is the public surface of a blobcache instance.
//
// Inputs (the `input any` parameters) are one of: string, *url.URL, url.URL
// or *http.Request. For requests, the URL identifies the asset and the
// request itself is used for retrieval.
type Cache interface {
	// LookupMemory returns the location cached under key. Never blocks and
	// never touches the durable store.
	LookupMemory(key string) (location string, ok bool)

	// Cached is LookupMemory for an input plus key options.
	Cached(input any, opts KeyOptions) (location string, ok bool)

	// Entry returns the full row for key, metadata included.
	Entry(key string) (Entry, bool)

	// StoreBlob caches content under key. The row is visible to
	// LookupMemory when StoreBlob returns; persisting to the durable store
	// happens in the background and its failure is never reported here.
	StoreBlob(key string, content []byte, meta Metadata, mimeType string) (location string, err error)

	// Fetch ensures the input is cached and returns its location:
	// memory, then durable store, then network.
	Fetch(ctx context.Context, input any, opts FetchOptions) (location string, err error)

	// Content reads the bytes behind an in-process location.
	// ok=false for unknown or non-blob locations.
	Content(ctx context.Context, location string) (b []byte, ok bool, err error)

	// Available reports whether the durable store answered the probe.
	Available(ctx context.Context) bool

	// Reset asks the collaborator to delete every durable entry. The memory
	// table is not affected.
	Reset(ctx context.Context) error

	// Len returns the number of rows in the memory table.
	Len() int

	Close(ctx context.Context) error
}

// Options configure a Cache. All fields are optional.
type Options struct {
	// Channel connects to the durable-store collaborator. nil runs the cache
	// standalone (memory only, the probe reports unavailable without sending
	// anything). The cache owns the channel and closes it on Close.
	Channel protocol.Channel

	Provider      pr.Provider   // blob bytes; nil => provider/memory
	HTTPClient    *http.Client  // nil => http.DefaultClient
	Logger        Logger        // nil => NopLogger
	Hooks         Hooks         // nil => NopHooks
	ProbeTimeout  time.Duration // 0 => 500ms
	LookupTimeout time.Duration // 0 => 1s
	UploadTimeout time.Duration // 0 => 30s
	ResetTimeout  time.Duration // 0 => 5s
	DisableUpload bool          // default false => StoreBlob persists in background
}

func New(opts Options) (Cache, error) {
	return newCache(opts)
}

// DeriveKey maps an identifier and ordered tags to an 8-char hex cache key.
// Same inputs always produce the same key.
func DeriveKey(identifier string, tags ...string) string {
	return util.DeriveKey(identifier, tags)
}
