package blobcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/blobcache/internal/util"
	"github.com/unkn0wn-root/blobcache/protocol"
	pr "github.com/unkn0wn-root/blobcache/provider"
	"github.com/unkn0wn-root/blobcache/provider/memory"
)

// resetKey is the registration key for administrative resets. It cannot
// collide with a cache key (ValidKey rejects '/').
const resetKey = "/reset"

type cache struct {
	ch       protocol.Channel // nil => standalone
	provider pr.Provider
	client   *http.Client
	log      Logger
	hooks    Hooks

	lookupTimeout time.Duration
	uploadTimeout time.Duration
	resetTimeout  time.Duration
	upload        bool

	mem     *memoryTable
	probe   *probe
	lookups *pendingRegistry
	uploads *pendingRegistry
	resets  *pendingRegistry
	flight  singleflight.Group

	chGone       atomic.Bool
	dispatchDone chan struct{}

	// background uploads
	bgMu     sync.RWMutex
	bg       sync.WaitGroup
	closing  bool // guarded by bgMu
	closed   atomic.Bool
	bgCtx    context.Context
	bgCancel context.CancelFunc
	stop     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newCache(opts Options) (*cache, error) {
	c := &cache{
		ch:      opts.Channel,
		upload:  !opts.DisableUpload,
		mem:     newMemoryTable(),
		lookups: newPendingRegistry(),
		uploads: newPendingRegistry(),
		resets:  newPendingRegistry(),
		stop:    make(chan struct{}),
	}

	// defaults
	c.provider = opts.Provider
	if c.provider == nil {
		c.provider = memory.New()
	}
	c.client = coalesce(opts.HTTPClient, http.DefaultClient)
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.lookupTimeout = coalesce(opts.LookupTimeout, defaultLookupTimeout)
	c.uploadTimeout = coalesce(opts.UploadTimeout, defaultUploadTimeout)
	c.resetTimeout = coalesce(opts.ResetTimeout, defaultResetTimeout)
	probeTimeout := coalesce(opts.ProbeTimeout, defaultProbeTimeout)

	if probeTimeout < 0 || c.lookupTimeout < 0 || c.uploadTimeout < 0 || c.resetTimeout < 0 {
		return nil, fmt.Errorf("blobcache: negative timeout")
	}

	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	var send func(context.Context) error
	if c.ch != nil {
		send = func(ctx context.Context) error {
			return c.send(ctx, protocol.Message{Type: protocol.TypeAvailabilityCheck})
		}
	}
	c.probe = newProbe(probeTimeout, send, c.stop, func(ok bool, elapsed time.Duration) {
		c.log.Debug("durable store probe settled", Fields{"available": ok, "elapsed": elapsed})
		c.hooks.ProbeResolved(ok, elapsed)
	})

	c.dispatchDone = make(chan struct{})
	if c.ch != nil {
		go c.dispatch()
	} else {
		close(c.dispatchDone)
	}
	return c, nil
}

func (c *cache) LookupMemory(key string) (string, bool) {
	return c.mem.location(key)
}

func (c *cache) Cached(input any, opts KeyOptions) (string, bool) {
	src, err := normalize(input)
	if err != nil {
		return "", false
	}
	key, err := c.selectKey(src.id, opts)
	if err != nil {
		return "", false
	}
	return c.mem.location(key)
}

func (c *cache) Entry(key string) (Entry, bool) { return c.mem.get(key) }

func (c *cache) Len() int { return c.mem.len() }

func (c *cache) Available(ctx context.Context) bool { return c.probe.wait(ctx) }

func (c *cache) StoreBlob(key string, content []byte, meta Metadata, mimeType string) (string, error) {
	if !util.ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if c.closed.Load() {
		return "", ErrClosed
	}

	loc := blobScheme + uuid.NewString()
	ok, err := c.provider.Set(context.Background(), loc, content)
	if err != nil {
		return "", fmt.Errorf("blobcache: store %s: %w", key, err)
	}
	if !ok {
		c.log.Warn("provider rejected blob; entry kept without content", Fields{"key": key, "location": loc})
		c.hooks.ProviderSetRejected(loc)
	}

	mimeType = coalesce(mimeType, DefaultMimeType)
	m := meta.Clone()
	if m == nil {
		m = make(Metadata, 2)
	}
	m[MetaMimeType] = mimeType
	m[MetaFileSize] = len(content)
	if c.mem.has(key) {
		c.log.Debug("replacing cached entry", Fields{"key": key, "location": loc})
	}
	c.mem.set(key, Entry{Location: loc, Metadata: m})

	if c.upload && c.ch != nil {
		body := bytes.Clone(content)
		c.goBackground(func() { c.persist(key, body, m, mimeType) })
	}
	return loc, nil
}

func (c *cache) Fetch(ctx context.Context, input any, opts FetchOptions) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	src, err := normalize(input)
	if err != nil {
		return "", err
	}
	key, err := c.selectKey(src.id, opts.KeyOptions)
	if err != nil {
		return "", err
	}
	if loc, ok := c.mem.location(key); ok {
		return loc, nil
	}

	// the flight outlives any single caller; only Close cancels it
	res := c.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(c.bgCtx, cancel)
		defer stop()
		return c.populate(fctx, key, src, opts)
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// populate runs once per key per miss; concurrent Fetch calls share it.
func (c *cache) populate(ctx context.Context, key string, src source, opts FetchOptions) (string, error) {
	if loc, ok := c.mem.location(key); ok {
		return loc, nil
	}
	if c.ch != nil {
		if e, ok := c.durableLookup(ctx, key); ok {
			return e.Location, nil
		}
	}

	body, mimeType, err := c.retrieve(ctx, key, src, opts)
	if err != nil {
		return "", err
	}
	return c.StoreBlob(key, body, opts.Metadata, mimeType)
}

// durableLookup asks the collaborator for key. Any failure is a miss.
// A hit is written to the memory table before it is returned.
func (c *cache) durableLookup(ctx context.Context, key string) (Entry, bool) {
	if !c.probe.wait(ctx) {
		return Entry{}, false
	}

	call, fresh := c.lookups.register(key)
	if fresh {
		c.lookups.arm(key, call, c.lookupTimeout, func() {
			c.log.Debug("durable lookup timed out", Fields{"key": key, "timeout": c.lookupTimeout})
			c.hooks.DurableLookup(key, OutcomeTimeout)
		})
		if err := c.send(ctx, protocol.Message{Type: protocol.TypeLookup, Key: key}); err != nil {
			c.lookups.settleCall(key, call, Entry{}, false, err)
		}
	}

	e, found, err := call.wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("durable lookup failed; treating as miss", Fields{"key": key, "err": err})
		}
		return Entry{}, false
	}
	if found {
		c.mem.set(key, e)
	}
	return e, found
}

// persist uploads one blob to the collaborator. It never reports to the
// caller of StoreBlob; failures go to the logger and hooks.
func (c *cache) persist(key string, content []byte, meta Metadata, mimeType string) {
	ctx := c.bgCtx
	if !c.probe.wait(ctx) {
		c.log.Debug("durable store unavailable; upload skipped", Fields{"key": key})
		return
	}

	call, fresh := c.uploads.register(key)
	if fresh {
		c.uploads.arm(key, call, c.uploadTimeout, nil)
	}
	// joiners still send: the newest content is what should end up on disk
	err := c.send(ctx, protocol.Message{
		Type:     protocol.TypeUpload,
		Key:      key,
		Content:  content,
		MimeType: mimeType,
		Metadata: meta,
	})
	if err != nil {
		c.uploads.settleCall(key, call, Entry{}, false, err)
	}

	e, ok, err := call.wait(ctx)
	switch {
	case err != nil:
		c.uploadFailed(key, err)
	case !ok:
		c.uploadFailed(key, fmt.Errorf("blobcache: upload not acknowledged within %s", c.uploadTimeout))
	default:
		c.log.Debug("blob persisted", Fields{"key": key, "location": e.Location})
		c.hooks.UploadStored(key, e.Location)
	}
}

func (c *cache) uploadFailed(key string, err error) {
	if c.bgCtx.Err() != nil {
		return
	}
	c.log.Warn("durable upload failed", Fields{"key": key, "err": err})
	c.hooks.UploadFailed(key, err)
}

func (c *cache) Reset(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.ch == nil {
		return ErrNoChannel
	}
	if !c.probe.wait(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrUnavailable
	}

	call, fresh := c.resets.register(resetKey)
	if fresh {
		c.resets.arm(resetKey, call, c.resetTimeout, nil)
		if err := c.send(ctx, protocol.Message{Type: protocol.TypeReset}); err != nil {
			c.resets.settleCall(resetKey, call, Entry{}, false, err)
		}
	}
	_, ok, err := call.wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("blobcache: reset not acknowledged within %s: %w", c.resetTimeout, ErrUnavailable)
	}
	c.log.Info("durable store reset", nil)
	return nil
}

func (c *cache) Content(ctx context.Context, location string) ([]byte, bool, error) {
	if !strings.HasPrefix(location, blobScheme) {
		return nil, false, nil
	}
	return c.provider.Get(ctx, location)
}

func (c *cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { c.closeErr = c.shutdown(ctx) })
	return c.closeErr
}

func (c *cache) shutdown(ctx context.Context) error {
	c.closed.Store(true)
	c.bgMu.Lock()
	c.closing = true
	c.bgMu.Unlock()

	// let in-flight uploads finish while ctx allows
	if err := waitGroup(ctx, &c.bg); err != nil {
		c.log.Debug("abandoning in-flight uploads", Fields{"err": err})
	}
	c.bgCancel()
	close(c.stop)
	c.bg.Wait()

	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, protocol.ErrClosed) {
			errs = append(errs, err)
		}
	}
	<-c.dispatchDone
	c.lookups.rejectAll(ErrClosed)
	c.uploads.rejectAll(ErrClosed)
	c.resets.rejectAll(ErrClosed)

	if err := c.provider.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// goBackground runs fn unless the cache is closing.
func (c *cache) goBackground(fn func()) bool {
	c.bgMu.RLock()
	defer c.bgMu.RUnlock()
	if c.closing {
		return false
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
	return true
}

func (c *cache) send(ctx context.Context, m protocol.Message) error {
	if c.chGone.Load() {
		return protocol.ErrClosed
	}
	return c.ch.Send(ctx, m)
}

// dispatch routes collaborator messages until the channel closes.
func (c *cache) dispatch() {
	defer close(c.dispatchDone)
	for m := range c.ch.Receive() {
		c.handle(m)
	}
	c.chGone.Store(true)
	c.lookups.rejectAll(protocol.ErrClosed)
	c.uploads.rejectAll(protocol.ErrClosed)
	c.resets.rejectAll(protocol.ErrClosed)
}

func (c *cache) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypeAvailabilityAck:
		if _, ok := c.probe.settled(); ok {
			c.log.Debug("late availability ack ignored", nil)
			return
		}
		c.probe.acknowledge()

	case protocol.TypeFound:
		if m.Location == "" {
			if c.lookups.resolve(m.Key, Entry{}, false) {
				c.hooks.DurableLookup(m.Key, OutcomeMiss)
			}
			return
		}
		e := Entry{Location: m.Location, Metadata: Metadata(m.Metadata)}
		if c.lookups.resolve(m.Key, e, true) {
			c.mem.set(m.Key, e)
			c.hooks.DurableLookup(m.Key, OutcomeHit)
		}
	case protocol.TypeNotFound:
		if c.lookups.resolve(m.Key, Entry{}, false) {
			c.hooks.DurableLookup(m.Key, OutcomeMiss)
		}
	case protocol.TypeLookupError:
		if c.lookups.reject(m.Key, &DurableError{Key: m.Key, Op: "lookup", Message: m.Error}) {
			c.hooks.DurableLookup(m.Key, OutcomeError)
		}

	case protocol.TypeUploadOK:
		c.uploads.resolve(m.Key, Entry{Location: m.Location, Metadata: Metadata(m.Metadata)}, true)
	case protocol.TypeUploadError:
		c.uploads.reject(m.Key, &DurableError{Key: m.Key, Op: "upload", Message: m.Error})

	case protocol.TypeResetOK:
		c.resets.resolve(resetKey, Entry{}, true)
	case protocol.TypeResetError:
		c.resets.reject(resetKey, &DurableError{Op: "reset", Message: m.Error})

	default:
		c.log.Debug("ignoring unexpected message", Fields{"msg": m.String()})
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
