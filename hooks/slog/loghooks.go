// Package sloghook logs blobcache Hooks events through log/slog, with
// sampling for the chatty events and key redaction.
package sloghook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/blobcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DurableLookupEvery uint64
	NetworkFetchEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix. Identity is fine
	// for cache keys, which are already hashes.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	lookupCtr atomic.Uint64
	fetchCtr  atomic.Uint64
}

var _ blobcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ProbeResolved(available bool, elapsed time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Info("blobcache.probe_resolved",
		"available", available,
		"elapsed", elapsed)
}

func (h *Hooks) DurableLookup(key, outcome string) {
	if h.l == nil || !sample(h.opts.DurableLookupEvery, &h.lookupCtr) {
		return
	}
	lvl := slog.LevelDebug
	if outcome == blobcache.OutcomeError || outcome == blobcache.OutcomeTimeout {
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "blobcache.durable_lookup",
		"key", h.redact(key),
		"outcome", outcome)
}

func (h *Hooks) NetworkFetch(key string, status, size int, elapsed time.Duration) {
	if h.l == nil || !sample(h.opts.NetworkFetchEvery, &h.fetchCtr) {
		return
	}
	h.l.Debug("blobcache.network_fetch",
		"key", h.redact(key),
		"status", status,
		"size", size,
		"elapsed", elapsed)
}

func (h *Hooks) UploadStored(key, location string) {
	if h.l == nil {
		return
	}
	h.l.Debug("blobcache.upload_stored",
		"key", h.redact(key),
		"location", location)
}

func (h *Hooks) UploadFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("blobcache.upload_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) KeyConflict(key string, tags []string) {
	if h.l == nil {
		return
	}
	h.l.Warn("blobcache.key_conflict",
		"key", h.redact(key),
		"ignored_tags", tags)
}

func (h *Hooks) ProviderSetRejected(location string) {
	if h.l == nil {
		return
	}
	h.l.Warn("blobcache.provider_set_rejected",
		"location", location)
}
