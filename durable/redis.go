package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in Redis strings:
//
//	<ns>:content:<key>   the blob
//	<ns>:meta:<key>      its metadata as JSON
//
// Locations use the same shape as FileStore (urlPrefix/<key>.<ext>).
// Content reads the blob back for whatever serves those locations.
type RedisStore struct {
	rdb         goredis.UniversalClient
	ns          string
	urlPrefix   string
	closeClient bool
	now         func() time.Time
}

var _ Store = (*RedisStore)(nil)

type RedisConfig struct {
	Client      goredis.UniversalClient
	Namespace   string // "" => "blobcache"
	URLPrefix   string
	CloseClient bool // set true only if this store exclusively owns the client
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("durable: redis store needs a client")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "blobcache"
	}
	return &RedisStore{rdb: cfg.Client, ns: ns, urlPrefix: cfg.URLPrefix, closeClient: cfg.CloseClient, now: time.Now}, nil
}

func (s *RedisStore) contentKey(key string) string { return s.ns + ":content:" + key }
func (s *RedisStore) metaKey(key string) string    { return s.ns + ":meta:" + key }

func (s *RedisStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	if err := checkKey(key); err != nil {
		return Record{}, false, err
	}
	b, err := s.rdb.Get(ctx, s.metaKey(key)).Bytes()
	if err == goredis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	n, err := s.rdb.Exists(ctx, s.contentKey(key)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if n == 0 {
		return Record{}, false, nil
	}

	var meta map[string]any
	if err := json.Unmarshal(b, &meta); err != nil {
		return Record{}, false, fmt.Errorf("durable: %s: corrupt metadata: %w", key, err)
	}
	fileName, _ := meta[FieldFileName].(string)
	return Record{Key: key, Location: location(s.urlPrefix, fileName), Metadata: meta}, true, nil
}

// Content returns the stored blob for key.
func (s *RedisStore) Content(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.contentKey(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Put writes blob and metadata in one MULTI/EXEC.
func (s *RedisStore) Put(ctx context.Context, u Upload) (Record, error) {
	if err := checkKey(u.Key); err != nil {
		return Record{}, err
	}
	mimeType := u.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	fileName := u.Key + "." + ExtensionForMIME(mimeType)
	meta := sidecar(u, mimeType, fileName, s.now().UTC().Format(time.RFC3339Nano))
	b, err := json.Marshal(meta)
	if err != nil {
		return Record{}, fmt.Errorf("durable: encode metadata for %s: %w", u.Key, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.contentKey(u.Key), u.Content, 0)
		p.Set(ctx, s.metaKey(u.Key), b, 0)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("durable: put %s: %w", u.Key, err)
	}
	return Record{Key: u.Key, Location: location(s.urlPrefix, fileName), Metadata: meta}, nil
}

// resetPatterns match exactly the keys Put writes. Other keys under the
// namespace (provider blobs, pub/sub topics) belong to running caches.
func (s *RedisStore) resetPatterns() []string {
	return []string{s.contentKey("*"), s.metaKey("*")}
}

// Reset deletes every stored entry, SCAN by SCAN.
func (s *RedisStore) Reset(ctx context.Context) error {
	for _, pattern := range s.resetPatterns() {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return fmt.Errorf("durable: reset scan: %w", err)
			}
			if len(keys) > 0 {
				if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("durable: reset delete: %w", err)
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
