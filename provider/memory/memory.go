// Package memory is the default blob provider: a plain map, unbounded.
package memory

import (
	"context"
	"sync"

	pr "github.com/unkn0wn-root/blobcache/provider"
)

type Provider struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ pr.Provider = (*Provider)(nil)

func New() *Provider { return &Provider{m: make(map[string][]byte)} }

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	v, ok := p.m[key]
	p.mu.RUnlock()
	return v, ok, nil
}

// Set keeps a private copy so later mutation of value by the caller does
// not leak into the store.
func (p *Provider) Set(_ context.Context, key string, value []byte) (bool, error) {
	cp := append([]byte(nil), value...)
	p.mu.Lock()
	p.m[key] = cp
	p.mu.Unlock()
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

func (p *Provider) Close(_ context.Context) error {
	p.mu.Lock()
	p.m = make(map[string][]byte)
	p.mu.Unlock()
	return nil
}
