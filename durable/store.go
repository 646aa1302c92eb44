// Package durable is the out-of-process collaborator of blobcache: it
// persists uploaded blobs and answers the side-channel protocol.
//
// A Store keeps blobs across sessions; a Server speaks the protocol for one
// Store over any protocol.Channel. Entries never expire; Reset is the only
// way to drop them.
package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/blobcache/internal/util"
)

var ErrInvalidKey = errors.New("durable: invalid cache key")

// Record is one persisted entry as reported to caches.
type Record struct {
	Key      string
	Location string
	Metadata map[string]any
}

// Upload is one blob to persist.
type Upload struct {
	Key      string
	Content  []byte
	MimeType string
	Metadata map[string]any
}

// Metadata fields always written by a Store.
const (
	FieldCacheKey  = "cacheKey"
	FieldMimeType  = "mimeType"
	FieldFileSize  = "fileSize"
	FieldFileName  = "fileName"
	FieldCreatedAt = "createdAt"
)

// Store persists blobs. Implementations must be safe for concurrent use.
type Store interface {
	// Lookup returns (rec, true, nil) when key is stored, (_, false, nil)
	// when it is not.
	Lookup(ctx context.Context, key string) (Record, bool, error)

	// Put stores u, replacing any previous entry under u.Key.
	Put(ctx context.Context, u Upload) (Record, error)

	// Reset deletes every entry.
	Reset(ctx context.Context) error

	Close() error
}

func checkKey(key string) error {
	if !util.ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// location joins the public prefix and a file name with exactly one slash.
func location(prefix, fileName string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix + "/" + fileName
}

// sidecar builds the stored metadata: caller fields first, then the
// fields the store owns.
func sidecar(u Upload, mimeType, fileName, createdAt string) map[string]any {
	meta := make(map[string]any, len(u.Metadata)+5)
	for k, v := range u.Metadata {
		meta[k] = v
	}
	meta[FieldCacheKey] = u.Key
	meta[FieldMimeType] = mimeType
	meta[FieldFileSize] = len(u.Content)
	meta[FieldFileName] = fileName
	meta[FieldCreatedAt] = createdAt
	return meta
}
