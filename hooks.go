package blobcache

import "time"

// Outcomes reported by Hooks.DurableLookup.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths, some from its dispatch goroutine.
type Hooks interface {
	// The availability probe settled. Fired at most once per Cache.
	ProbeResolved(available bool, elapsed time.Duration)

	// A durable-store lookup settled.
	// outcome ∈ {"hit", "miss", "timeout", "error"}
	DurableLookup(key, outcome string)

	// A network retrieval finished. status is 0 when no response arrived.
	NetworkFetch(key string, status, size int, elapsed time.Duration)

	// The collaborator acknowledged a background upload.
	UploadStored(key, location string)

	// A background upload failed. The in-memory entry stays authoritative.
	UploadFailed(key string, err error)

	// An explicit key was given together with tags; the tags were ignored.
	KeyConflict(key string, tags []string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(location string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ProbeResolved(bool, time.Duration)            {}
func (NopHooks) DurableLookup(string, string)                 {}
func (NopHooks) NetworkFetch(string, int, int, time.Duration) {}
func (NopHooks) UploadStored(string, string)                  {}
func (NopHooks) UploadFailed(string, error)                   {}
func (NopHooks) KeyConflict(string, []string)                 {}
func (NopHooks) ProviderSetRejected(string)                   {}
