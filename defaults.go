package blobcache

import "time"

const (
	defaultProbeTimeout  = 500 * time.Millisecond
	defaultLookupTimeout = time.Second
	defaultUploadTimeout = 30 * time.Second
	defaultResetTimeout  = 5 * time.Second

	// DefaultMimeType is recorded when neither an override nor the response
	// declares a content type.
	DefaultMimeType = "application/octet-stream"

	blobScheme = "blob:"
)

// Metadata keys always written by StoreBlob.
const (
	MetaMimeType = "mimeType"
	MetaFileSize = "fileSize"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
