package blobcache

import (
	"context"
	"sync"
	"time"
)

// pendingRegistry tracks in-flight round trips to the durable store, keyed
// by cache key. At most one call exists per key; each call is settled
// exactly once, by whichever of resolve, reject or its timer comes first.
type pendingRegistry struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

type pendingCall struct {
	done  chan struct{}
	timer *time.Timer // guarded by pendingRegistry.mu until settlement

	entry Entry
	found bool
	err   error
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{calls: make(map[string]*pendingCall)}
}

// register returns the call for key. fresh is false when a call was already
// in flight; the caller then joins it and must not send another request.
func (r *pendingRegistry) register(key string) (call *pendingCall, fresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		return c, false
	}
	c := &pendingCall{done: make(chan struct{})}
	r.calls[key] = c
	return c, true
}

// arm settles call as not-found after d unless something else settles it
// first. onTimeout runs only if the timer wins.
func (r *pendingRegistry) arm(key string, call *pendingCall, d time.Duration, onTimeout func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[key] != call {
		return
	}
	call.timer = time.AfterFunc(d, func() {
		if r.settleCall(key, call, Entry{}, false, nil) && onTimeout != nil {
			onTimeout()
		}
	})
}

func (r *pendingRegistry) resolve(key string, e Entry, found bool) bool {
	return r.settleCall(key, nil, e, found, nil)
}

func (r *pendingRegistry) reject(key string, err error) bool {
	return r.settleCall(key, nil, Entry{}, false, err)
}

// settleCall removes and settles the registration for key. When want is
// non-nil, only that exact call is settled, so a stale timer cannot settle
// a newer registration under the same key.
func (r *pendingRegistry) settleCall(key string, want *pendingCall, e Entry, found bool, err error) bool {
	r.mu.Lock()
	c, ok := r.calls[key]
	if !ok || (want != nil && c != want) {
		r.mu.Unlock()
		return false
	}
	delete(r.calls, key)
	r.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.entry, c.found, c.err = e, found, err
	close(c.done)
	return true
}

// rejectAll settles every pending call with err.
func (r *pendingRegistry) rejectAll(err error) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.calls))
	for k := range r.calls {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.reject(k, err)
	}
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// wait blocks until the call settles or ctx ends. Leaving early does not
// cancel the call; the registration stays until it is settled.
func (c *pendingCall) wait(ctx context.Context) (Entry, bool, error) {
	select {
	case <-c.done:
		return c.entry, c.found, c.err
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	}
}
