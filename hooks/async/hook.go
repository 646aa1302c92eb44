// Package asynchook moves Hooks calls off the cache's hot paths.
//
// usage:
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{NetworkFetchEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := blobcache.New(blobcache.Options{
//	    Channel: ch,
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/blobcache"
)

// Hooks queues every event for a worker pool. Events are dropped when the
// queue is full or after Close.
type Hooks struct {
	inner   blobcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ blobcache.Hooks = (*Hooks)(nil)

func New(inner blobcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for range workers {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped returns the number of events discarded so far.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) ProbeResolved(ok bool, d time.Duration) {
	h.try(func() { h.inner.ProbeResolved(ok, d) })
}
func (h *Hooks) DurableLookup(k, outcome string) { h.try(func() { h.inner.DurableLookup(k, outcome) }) }
func (h *Hooks) NetworkFetch(k string, status, size int, d time.Duration) {
	h.try(func() { h.inner.NetworkFetch(k, status, size, d) })
}
func (h *Hooks) UploadStored(k, loc string)       { h.try(func() { h.inner.UploadStored(k, loc) }) }
func (h *Hooks) UploadFailed(k string, err error) { h.try(func() { h.inner.UploadFailed(k, err) }) }
func (h *Hooks) KeyConflict(k string, tags []string) {
	tags = append([]string(nil), tags...)
	h.try(func() { h.inner.KeyConflict(k, tags) })
}
func (h *Hooks) ProviderSetRejected(loc string) { h.try(func() { h.inner.ProviderSetRejected(loc) }) }
