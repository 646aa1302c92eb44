// Package blobcache implements a two-layer content cache for remote assets
// (images, audio, arbitrary binary blobs) used during iterative development,
// so that reload cycles do not re-fetch or re-upload the same content.
//
// Layers:
//   - Memory table: key -> Entry{Location, Metadata}, consulted synchronously.
//   - Durable store: an optional out-of-process collaborator reached over a
//     protocol.Channel. It persists uploads and answers lookups.
//
// Keys:
//
//	DeriveKey(identifier, tags...) -> 8 lowercase hex chars
//
// Tags are ordered; ("a","b") and ("b","a") give different keys. An explicit
// key in KeyOptions always wins over derivation.
//
// Fetch order:
//
//	memory hit?                  -> location
//	probe collaborator (once)    -> available?
//	durable lookup (1 round trip) -> hit? populate memory -> location
//	HTTP GET, StoreBlob          -> blob:<uuid> location, background upload
//
// Locations of the form "blob:<uuid>" are served from the configured
// provider through Cache.Content.
package blobcache
