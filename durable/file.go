package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	metaSuffix = ".meta.json"
	locksDir   = ".locks"
	tmpPrefix  = ".tmp-"

	lockRetry = 50 * time.Millisecond
)

// FileStore keeps each entry as two files in Dir:
//
//	<key>.<ext>        the blob
//	<key>.meta.json    its metadata (cacheKey, mimeType, fileSize, fileName,
//	                   createdAt, plus whatever the uploader sent)
//
// Writes go to a temp file and are renamed into place, under a per-key
// file lock, so several store processes may share one directory.
type FileStore struct {
	dir       string
	urlPrefix string
	now       func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed. Locations handed to caches are
// urlPrefix + "/" + fileName.
func NewFileStore(dir, urlPrefix string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("durable: file store needs a directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, locksDir), 0o755); err != nil {
		return nil, fmt.Errorf("durable: create store directory: %w", err)
	}
	return &FileStore{dir: dir, urlPrefix: urlPrefix, now: time.Now}, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) metaPath(key string) string { return filepath.Join(s.dir, key+metaSuffix) }

// checkFileKey rejects keys whose files would shadow store files: a key
// ending in ".meta" names the sidecar of another key once its blob gets the
// "json" extension, and dot-prefixed names are reserved for locks and temps.
func checkFileKey(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(strings.ToLower(key), ".meta") {
		return fmt.Errorf("%w: %q collides with store file names", ErrInvalidKey, key)
	}
	return nil
}

func (s *FileStore) Lookup(_ context.Context, key string) (Record, bool, error) {
	if err := checkFileKey(key); err != nil {
		return Record{}, false, err
	}
	meta, err := s.readMeta(key)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	fileName, _ := meta[FieldFileName].(string)
	if fileName == "" || filepath.Base(fileName) != fileName {
		return Record{}, false, fmt.Errorf("durable: %s: sidecar has no usable fileName", key)
	}
	if _, err := os.Stat(filepath.Join(s.dir, fileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil // sidecar without blob: treat as absent
		}
		return Record{}, false, err
	}
	return Record{Key: key, Location: location(s.urlPrefix, fileName), Metadata: meta}, true, nil
}

func (s *FileStore) Put(ctx context.Context, u Upload) (Record, error) {
	if err := checkFileKey(u.Key); err != nil {
		return Record{}, err
	}
	unlock, err := s.lock(ctx, u.Key)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	mimeType := u.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	fileName := u.Key + "." + ExtensionForMIME(mimeType)

	// a re-upload with another type leaves the old blob behind otherwise
	if old, err := s.readMeta(u.Key); err == nil {
		if prev, _ := old[FieldFileName].(string); prev != "" && prev != fileName && filepath.Base(prev) == prev {
			_ = os.Remove(filepath.Join(s.dir, prev))
		}
	}

	if err := s.writeAtomic(fileName, u.Content); err != nil {
		return Record{}, err
	}
	meta := sidecar(u, mimeType, fileName, s.now().UTC().Format(time.RFC3339Nano))
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("durable: encode metadata for %s: %w", u.Key, err)
	}
	if err := s.writeAtomic(u.Key+metaSuffix, b); err != nil {
		return Record{}, err
	}
	return Record{Key: u.Key, Location: location(s.urlPrefix, fileName), Metadata: meta}, nil
}

// Reset removes every entry and leftover temp file. Lock files stay.
func (s *FileStore) Reset(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("durable: reset: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.Name() == locksDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries counts stored entries and their total blob size.
func (s *FileStore) Entries() (count int, bytes int64, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		rec, ok, err := s.Lookup(context.Background(), strings.TrimSuffix(name, metaSuffix))
		if err != nil || !ok {
			continue
		}
		count++
		if fi, err := os.Stat(filepath.Join(s.dir, rec.Metadata[FieldFileName].(string))); err == nil {
			bytes += fi.Size()
		}
	}
	return count, bytes, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readMeta(key string) (map[string]any, error) {
	b, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("durable: %s: corrupt sidecar: %w", key, err)
	}
	return meta, nil
}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("durable: create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("durable: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("durable: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("durable: close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		cleanup()
		return fmt.Errorf("durable: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("durable: move %s into place: %w", name, err)
	}
	return nil
}

// lock takes the cross-process lock for key, retrying until ctx ends.
func (s *FileStore) lock(ctx context.Context, key string) (func(), error) {
	dir := filepath.Join(s.dir, locksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("durable: create locks directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, key+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("durable: lock %s: %w", key, err)
	}
	if !locked {
		return nil, fmt.Errorf("durable: lock %s: %v", key, ctx.Err())
	}
	return func() { _ = fl.Unlock() }, nil
}
