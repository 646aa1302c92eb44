package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/blobcache/provider"
)

// Provider stores blobs in BigCache shards. Expiry is disabled: the life
// window is set far beyond any development session and no cleaner runs.
type Provider struct {
	c *bc.BigCache
}

var _ pr.Provider = (*Provider)(nil)

// Config sizes the shards. MaxEntries and MaxEntrySize only drive the
// initial allocation (bigcache grows shards on demand); keep them small.
type Config struct {
	Shards             int // power of two; 0 => 16
	MaxEntries         int // expected number of blobs; 0 => 1024
	MaxEntrySize       int // typical blob size in bytes; 0 => 4KiB
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited (no eviction)
}

const noExpiry = 100 * 365 * 24 * time.Hour

func New(ctx context.Context, cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(noExpiry)
	conf.CleanWindow = 0
	conf.Verbose = false
	conf.Shards = 16
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	conf.MaxEntriesInWindow = 1024
	if cfg.MaxEntries > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntries
	}
	conf.MaxEntrySize = 4 << 10
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte) (bool, error) {
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
