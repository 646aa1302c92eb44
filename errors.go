package blobcache

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidKey       = errors.New("blobcache: invalid cache key")
	ErrUnsupportedInput = errors.New("blobcache: unsupported input")
	ErrClosed           = errors.New("blobcache: cache closed")
	ErrNoChannel        = errors.New("blobcache: no durable-store channel configured")
	ErrUnavailable      = errors.New("blobcache: durable store unavailable")
)

// FetchError is returned by Fetch when network retrieval fails: either the
// request could not be made (Err set) or the response status was not 2xx.
// Nothing is cached for Key in either case.
type FetchError struct {
	Key        string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blobcache: fetch %s (key %s): %v", e.URL, e.Key, e.Err)
	}
	return fmt.Sprintf("blobcache: fetch %s (key %s): unexpected status %d %s",
		e.URL, e.Key, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *FetchError) Unwrap() error { return e.Err }

// DurableError carries an error reported by the durable-store collaborator.
// Op is one of "lookup", "upload", "reset".
type DurableError struct {
	Key     string
	Op      string
	Message string
}

func (e *DurableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("blobcache: durable %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("blobcache: durable %s %q failed: %s", e.Op, e.Key, e.Message)
}
