package blobcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/blobcache/protocol"
)

// ==============================
// Fakes
// ==============================

// fakeStore answers side-channel messages on the far end of a Pipe.
type fakeStore struct {
	ch      protocol.Channel
	respond func(protocol.Message) []protocol.Message

	mu  sync.Mutex
	got []protocol.Message
}

func startStore(t *testing.T, respond func(protocol.Message) []protocol.Message) (protocol.Channel, *fakeStore) {
	t.Helper()
	near, far := protocol.Pipe(16)
	s := &fakeStore{ch: far, respond: respond}
	go s.loop()
	t.Cleanup(func() { _ = far.Close() })
	return near, s
}

func (s *fakeStore) loop() {
	for m := range s.ch.Receive() {
		s.mu.Lock()
		s.got = append(s.got, m)
		s.mu.Unlock()
		for _, r := range s.respond(m) {
			if err := s.ch.Send(context.Background(), r); err != nil {
				return
			}
		}
	}
}

func (s *fakeStore) count(t protocol.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.got {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (s *fakeStore) last(t protocol.Type) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.got) - 1; i >= 0; i-- {
		if s.got[i].Type == t {
			return s.got[i], true
		}
	}
	return protocol.Message{}, false
}

// reachable acks the probe, misses every lookup and stores every upload.
func reachable(m protocol.Message) []protocol.Message {
	switch m.Type {
	case protocol.TypeAvailabilityCheck:
		return []protocol.Message{{Type: protocol.TypeAvailabilityAck}}
	case protocol.TypeLookup:
		return []protocol.Message{m.Reply(protocol.TypeNotFound)}
	case protocol.TypeUpload:
		r := m.Reply(protocol.TypeUploadOK)
		r.Location = "/cache/" + m.Key + ".bin"
		return []protocol.Message{r}
	case protocol.TypeReset:
		return []protocol.Message{{Type: protocol.TypeResetOK}}
	}
	return nil
}

// silent never answers anything.
func silent(protocol.Message) []protocol.Message { return nil }

type recHooks struct {
	NopHooks
	mu        sync.Mutex
	probes    []bool
	lookups   map[string][]string
	fetches   int
	stored    map[string]string
	failed    map[string]error
	conflicts []string
}

func newRecHooks() *recHooks {
	return &recHooks{
		lookups: map[string][]string{},
		stored:  map[string]string{},
		failed:  map[string]error{},
	}
}

func (h *recHooks) ProbeResolved(ok bool, _ time.Duration) {
	h.mu.Lock()
	h.probes = append(h.probes, ok)
	h.mu.Unlock()
}

func (h *recHooks) DurableLookup(key, outcome string) {
	h.mu.Lock()
	h.lookups[key] = append(h.lookups[key], outcome)
	h.mu.Unlock()
}

func (h *recHooks) NetworkFetch(string, int, int, time.Duration) {
	h.mu.Lock()
	h.fetches++
	h.mu.Unlock()
}

func (h *recHooks) UploadStored(key, loc string) {
	h.mu.Lock()
	h.stored[key] = loc
	h.mu.Unlock()
}

func (h *recHooks) UploadFailed(key string, err error) {
	h.mu.Lock()
	h.failed[key] = err
	h.mu.Unlock()
}

func (h *recHooks) KeyConflict(key string, _ []string) {
	h.mu.Lock()
	h.conflicts = append(h.conflicts, key)
	h.mu.Unlock()
}

func (h *recHooks) snapshot(fn func(h *recHooks)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

// origin serves fixed bodies and counts requests.
type origin struct {
	*httptest.Server
	hits atomic.Int64
}

func newOrigin(t *testing.T, h http.HandlerFunc) *origin {
	t.Helper()
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func pngOrigin(t *testing.T) *origin {
	return newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png:" + r.URL.Path))
	})
}

func newTestCache(t *testing.T, opt func(*Options)) *cache {
	t.Helper()
	opts := Options{
		ProbeTimeout:  200 * time.Millisecond,
		LookupTimeout: 200 * time.Millisecond,
		UploadTimeout: 200 * time.Millisecond,
		ResetTimeout:  200 * time.Millisecond,
	}
	if opt != nil {
		opt(&opts)
	}
	cc, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	impl, ok := cc.(*cache)
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	t.Cleanup(func() { _ = impl.Close(context.Background()) })
	return impl
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ==============================
// Memory path
// ==============================

func TestStoreBlobVisibleSynchronously(t *testing.T) {
	cc := newTestCache(t, nil)

	loc, err := cc.StoreBlob("abcd1234", []byte("hello"), Metadata{"w": 3}, "")
	if err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}
	if !strings.HasPrefix(loc, "blob:") {
		t.Fatalf("location %q is not a blob handle", loc)
	}
	got, ok := cc.LookupMemory("abcd1234")
	if !ok || got != loc {
		t.Fatalf("LookupMemory = %q,%v want %q,true", got, ok, loc)
	}

	e, _ := cc.Entry("abcd1234")
	if e.Metadata[MetaMimeType] != DefaultMimeType || e.Metadata[MetaFileSize] != 5 || e.Metadata["w"] != 3 {
		t.Fatalf("unexpected metadata: %v", e.Metadata)
	}

	b, ok, err := cc.Content(context.Background(), loc)
	if err != nil || !ok || string(b) != "hello" {
		t.Fatalf("Content = %q,%v,%v", b, ok, err)
	}
	if _, ok, _ := cc.Content(context.Background(), "/cache/abcd1234.bin"); ok {
		t.Fatalf("non-blob location must not resolve through Content")
	}
}

func TestStoreBlobRejectsBadKey(t *testing.T) {
	cc := newTestCache(t, nil)
	for _, k := range []string{"", "  ", "a/b"} {
		if _, err := cc.StoreBlob(k, []byte("x"), nil, ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("StoreBlob(%q) err = %v, want ErrInvalidKey", k, err)
		}
	}
	if cc.Len() != 0 {
		t.Fatalf("Len = %d after rejected stores", cc.Len())
	}
}

func TestStoreBlobOverwrites(t *testing.T) {
	cc := newTestCache(t, nil)
	first, _ := cc.StoreBlob("k1", []byte("a"), nil, "")
	second, _ := cc.StoreBlob("k1", []byte("b"), nil, "")
	if first == second {
		t.Fatalf("each store must mint a fresh location")
	}
	if loc, _ := cc.LookupMemory("k1"); loc != second {
		t.Fatalf("last writer should win, got %q", loc)
	}
}

// ==============================
// Fetch
// ==============================

func TestFetchTwiceIssuesOneRequest(t *testing.T) {
	o := pngOrigin(t)
	cc := newTestCache(t, nil)
	ctx := context.Background()

	url := o.URL + "/a.png"
	l1, err := cc.Fetch(ctx, url, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	l2, err := cc.Fetch(ctx, url, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch again: %v", err)
	}
	if l1 != l2 {
		t.Fatalf("second fetch returned %q, want %q", l2, l1)
	}
	if n := o.hits.Load(); n != 1 {
		t.Fatalf("origin hits = %d, want 1", n)
	}
	if loc, ok := cc.Cached(url, KeyOptions{}); !ok || loc != l1 {
		t.Fatalf("Cached = %q,%v", loc, ok)
	}
	e, _ := cc.Entry(DeriveKey(url))
	if e.Metadata[MetaMimeType] != "image/png" {
		t.Fatalf("mime = %v, want image/png", e.Metadata[MetaMimeType])
	}
}

func TestFetchWhenStoreUnavailable(t *testing.T) {
	o := pngOrigin(t)
	ch, store := startStore(t, silent)
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) {
		o.Channel = ch
		o.Hooks = h
		o.ProbeTimeout = 20 * time.Millisecond
	})

	loc, err := cc.Fetch(context.Background(), o.URL+"/b.png", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, ok := cc.LookupMemory(DeriveKey(o.URL + "/b.png")); !ok || loc == "" {
		t.Fatalf("memory row missing after fetch")
	}
	if n := store.count(protocol.TypeLookup); n != 0 {
		t.Fatalf("lookups sent = %d, want 0 when unavailable", n)
	}
	// no upload either: the probe said no
	time.Sleep(20 * time.Millisecond)
	if n := store.count(protocol.TypeUpload); n != 0 {
		t.Fatalf("uploads sent = %d, want 0", n)
	}
	h.snapshot(func(h *recHooks) {
		if len(h.probes) != 1 || h.probes[0] {
			t.Fatalf("probe hooks = %v, want [false]", h.probes)
		}
	})
}

func TestFetchStandaloneNeverProbesOverChannel(t *testing.T) {
	o := pngOrigin(t)
	cc := newTestCache(t, nil)
	if cc.Available(context.Background()) {
		t.Fatalf("standalone cache must report unavailable")
	}
	if _, err := cc.Fetch(context.Background(), o.URL+"/c.png", FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestDurableNotFoundIsMiss(t *testing.T) {
	o := pngOrigin(t)
	ch, store := startStore(t, reachable)
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.Hooks = h })

	url := o.URL + "/d.png"
	if _, err := cc.Fetch(context.Background(), url, FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if store.count(protocol.TypeLookup) != 1 || o.hits.Load() != 1 {
		t.Fatalf("want one lookup and one network fetch, got %d/%d",
			store.count(protocol.TypeLookup), o.hits.Load())
	}
	key := DeriveKey(url)
	h.snapshot(func(h *recHooks) {
		if got := h.lookups[key]; len(got) != 1 || got[0] != OutcomeMiss {
			t.Fatalf("lookup outcomes = %v", got)
		}
	})

	// the fresh blob is uploaded in the background
	eventually(t, "upload ack", func() bool {
		var ok bool
		h.snapshot(func(h *recHooks) { _, ok = h.stored[key] })
		return ok
	})
	up, _ := store.last(protocol.TypeUpload)
	if up.MimeType != "image/png" || string(up.Content) != "png:/d.png" {
		t.Fatalf("unexpected upload: %+v", up)
	}
	if up.Metadata[MetaFileSize] != len("png:/d.png") {
		t.Fatalf("upload metadata = %v", up.Metadata)
	}
}

func TestDurableSilenceIsMiss(t *testing.T) {
	o := pngOrigin(t)
	ch, _ := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeAvailabilityCheck {
			return []protocol.Message{{Type: protocol.TypeAvailabilityAck}}
		}
		return nil
	})
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) {
		o.Channel = ch
		o.Hooks = h
		o.LookupTimeout = 30 * time.Millisecond
		o.DisableUpload = true
	})

	url := o.URL + "/e.png"
	start := time.Now()
	if _, err := cc.Fetch(context.Background(), url, FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("fetch returned before the lookup timeout")
	}
	if o.hits.Load() != 1 {
		t.Fatalf("silence should fall through to the network")
	}
	if n := cc.lookups.len(); n != 0 {
		t.Fatalf("pending lookups = %d after timeout", n)
	}
	h.snapshot(func(h *recHooks) {
		if got := h.lookups[DeriveKey(url)]; len(got) != 1 || got[0] != OutcomeTimeout {
			t.Fatalf("lookup outcomes = %v", got)
		}
	})
}

func TestDurableHitSkipsNetwork(t *testing.T) {
	o := pngOrigin(t)
	ch, _ := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeLookup {
			r := m.Reply(protocol.TypeFound)
			r.Location = "/cache/" + m.Key + ".png"
			r.Metadata = map[string]any{MetaMimeType: "image/png"}
			return []protocol.Message{r}
		}
		return reachable(m)
	})
	cc := newTestCache(t, func(o *Options) { o.Channel = ch })

	url := o.URL + "/f.png"
	key := DeriveKey(url)
	loc, err := cc.Fetch(context.Background(), url, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if want := "/cache/" + key + ".png"; loc != want {
		t.Fatalf("loc = %q, want %q", loc, want)
	}
	if o.hits.Load() != 0 {
		t.Fatalf("durable hit must not touch the network")
	}
	if got, ok := cc.LookupMemory(key); !ok || got != loc {
		t.Fatalf("durable hit not copied to memory: %q,%v", got, ok)
	}
}

func TestDurableLookupErrorIsMiss(t *testing.T) {
	o := pngOrigin(t)
	ch, _ := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeLookup {
			r := m.Reply(protocol.TypeLookupError)
			r.Error = "disk on fire"
			return []protocol.Message{r}
		}
		return reachable(m)
	})
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.Hooks = h; o.DisableUpload = true })

	url := o.URL + "/g.png"
	if _, err := cc.Fetch(context.Background(), url, FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if o.hits.Load() != 1 {
		t.Fatalf("lookup error should fall through to the network")
	}
	h.snapshot(func(h *recHooks) {
		if got := h.lookups[DeriveKey(url)]; len(got) != 1 || got[0] != OutcomeError {
			t.Fatalf("lookup outcomes = %v", got)
		}
	})
}

func TestJoinedLookupsSendOneRequest(t *testing.T) {
	ch, store := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeLookup {
			time.Sleep(40 * time.Millisecond)
			r := m.Reply(protocol.TypeFound)
			r.Location = "/cache/x.bin"
			return []protocol.Message{r}
		}
		return reachable(m)
	})
	cc := newTestCache(t, func(o *Options) { o.Channel = ch })
	if !cc.Available(context.Background()) {
		t.Fatalf("store should be available")
	}

	var wg sync.WaitGroup
	locs := make([]string, 4)
	for i := range locs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, ok := cc.durableLookup(context.Background(), "k-join")
			if ok {
				locs[i] = e.Location
			}
		}(i)
	}
	wg.Wait()

	if n := store.count(protocol.TypeLookup); n != 1 {
		t.Fatalf("lookups sent = %d, want 1", n)
	}
	for i, l := range locs {
		if l != "/cache/x.bin" {
			t.Fatalf("waiter %d got %q", i, l)
		}
	}
}

func TestConcurrentFetchIssuesOneRequest(t *testing.T) {
	release := make(chan struct{})
	o := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("slow"))
	})
	cc := newTestCache(t, nil)

	url := o.URL + "/slow.bin"
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cc.Fetch(context.Background(), url, FetchOptions{})
			errs <- err
		}()
	}
	eventually(t, "first request", func() bool { return o.hits.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if n := o.hits.Load(); n != 1 {
		t.Fatalf("origin hits = %d, want 1", n)
	}
}

func TestCanceledCallerLeavesSharedFetchRunning(t *testing.T) {
	release := make(chan struct{})
	o := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("slow"))
	})
	cc := newTestCache(t, nil)
	url := o.URL + "/a"

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := cc.Fetch(ctxA, url, FetchOptions{})
		errA <- err
	}()
	eventually(t, "first request", func() bool { return o.hits.Load() == 1 })

	type result struct {
		loc string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		loc, err := cc.Fetch(context.Background(), url, FetchOptions{})
		resB <- result{loc, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled caller: err = %v, want context.Canceled", err)
	}
	close(release)

	r := <-resB
	if r.err != nil {
		t.Fatalf("second caller failed after first canceled: %v", r.err)
	}
	if !strings.HasPrefix(r.loc, blobScheme) {
		t.Fatalf("location = %q", r.loc)
	}
	if n := o.hits.Load(); n != 1 {
		t.Fatalf("origin hits = %d, want 1", n)
	}
	if loc, ok := cc.Cached(url, KeyOptions{}); !ok || loc != r.loc {
		t.Fatalf("Cached = %q %v, want %q", loc, ok, r.loc)
	}
}

func TestExplicitKeyWinsOverTags(t *testing.T) {
	o := pngOrigin(t)
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) { o.Hooks = h })

	url := o.URL + "/h.png"
	loc, err := cc.Fetch(context.Background(), url, FetchOptions{
		KeyOptions: KeyOptions{Key: "hero", Tags: []string{"fast"}},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, ok := cc.LookupMemory("hero"); !ok || got != loc {
		t.Fatalf("explicit key row missing")
	}
	if _, ok := cc.LookupMemory(DeriveKey(url, "fast")); ok {
		t.Fatalf("tags must not produce a row when a key is given")
	}
	if cc.Len() != 1 {
		t.Fatalf("Len = %d, want 1", cc.Len())
	}
	h.snapshot(func(h *recHooks) {
		if len(h.conflicts) != 1 || h.conflicts[0] != "hero" {
			t.Fatalf("conflicts = %v", h.conflicts)
		}
	})
}

func TestTagsProduceIndependentRows(t *testing.T) {
	o := pngOrigin(t)
	cc := newTestCache(t, nil)
	ctx := context.Background()

	url := o.URL + "/a.png"
	fast, err := cc.Fetch(ctx, url, FetchOptions{KeyOptions: KeyOptions{Tags: []string{"fast"}}})
	if err != nil {
		t.Fatalf("Fetch fast: %v", err)
	}
	slow, err := cc.Fetch(ctx, url, FetchOptions{KeyOptions: KeyOptions{Tags: []string{"slow"}}})
	if err != nil {
		t.Fatalf("Fetch slow: %v", err)
	}
	if fast == slow || DeriveKey(url, "fast") == DeriveKey(url, "slow") {
		t.Fatalf("tagged rows should be independent")
	}
	if cc.Len() != 2 || o.hits.Load() != 2 {
		t.Fatalf("Len=%d hits=%d, want 2/2", cc.Len(), o.hits.Load())
	}
}

func TestFetchNon2xxFails(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	cc := newTestCache(t, nil)

	url := o.URL + "/missing.png"
	_, err := cc.Fetch(context.Background(), url, FetchOptions{})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want *FetchError 404", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("error %q should mention the status", err)
	}
	if _, ok := cc.LookupMemory(DeriveKey(url)); ok || cc.Len() != 0 {
		t.Fatalf("failed fetch must not create a row")
	}
}

func TestMimeOverrideKeptFromCreatingCall(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-unknown; charset=binary")
		_, _ = w.Write([]byte("ID3"))
	})
	cc := newTestCache(t, nil)
	ctx := context.Background()

	url := o.URL + "/song"
	if _, err := cc.Fetch(ctx, url, FetchOptions{MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := cc.Fetch(ctx, url, FetchOptions{}); err != nil {
		t.Fatalf("Fetch plain: %v", err)
	}
	e, _ := cc.Entry(DeriveKey(url))
	if e.Metadata[MetaMimeType] != "audio/mpeg" {
		t.Fatalf("mime = %v, want audio/mpeg", e.Metadata[MetaMimeType])
	}
}

func TestFetchRequestInput(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-Token") != "t1" {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	cc := newTestCache(t, nil)

	req, _ := http.NewRequest(http.MethodGet, o.URL+"/r", nil)
	req.Header.Set("X-Token", "t1")
	_, err := cc.Fetch(context.Background(), req, FetchOptions{
		Transport: &TransportOptions{Method: http.MethodPost},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, ok := cc.Cached(o.URL+"/r", KeyOptions{}); !ok {
		t.Fatalf("request input should key on its URL")
	}
}

func TestFetchRejectsBadInput(t *testing.T) {
	cc := newTestCache(t, nil)
	ctx := context.Background()
	for _, in := range []any{42, "", nil} {
		if _, err := cc.Fetch(ctx, in, FetchOptions{}); !errors.Is(err, ErrUnsupportedInput) {
			t.Fatalf("Fetch(%v) err = %v, want ErrUnsupportedInput", in, err)
		}
	}
	_, err := cc.Fetch(ctx, "https://x/a.png", FetchOptions{KeyOptions: KeyOptions{Key: "a\\b"}})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

// ==============================
// Probe and uploads
// ==============================

func TestProbeFiresOnce(t *testing.T) {
	ch, store := startStore(t, reachable)
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.Hooks = h })

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cc.Available(context.Background()) {
				t.Errorf("Available = false")
			}
		}()
	}
	wg.Wait()
	if n := store.count(protocol.TypeAvailabilityCheck); n != 1 {
		t.Fatalf("availability checks = %d, want 1", n)
	}
	h.snapshot(func(h *recHooks) {
		if len(h.probes) != 1 {
			t.Fatalf("probe resolved %d times", len(h.probes))
		}
	})
}

func TestLateAckIgnored(t *testing.T) {
	ch, store := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeAvailabilityCheck {
			time.Sleep(60 * time.Millisecond)
			return []protocol.Message{{Type: protocol.TypeAvailabilityAck}}
		}
		return nil
	})
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.ProbeTimeout = 15 * time.Millisecond })

	if cc.Available(context.Background()) {
		t.Fatalf("probe should time out")
	}
	time.Sleep(100 * time.Millisecond)
	if cc.Available(context.Background()) {
		t.Fatalf("late ack flipped availability")
	}
	if n := store.count(protocol.TypeAvailabilityCheck); n != 1 {
		t.Fatalf("availability checks = %d, want 1", n)
	}
}

func TestUploadFailureNeverSurfaces(t *testing.T) {
	ch, _ := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeUpload {
			r := m.Reply(protocol.TypeUploadError)
			r.Error = "disk full"
			return []protocol.Message{r}
		}
		return reachable(m)
	})
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.Hooks = h })

	loc, err := cc.StoreBlob("up1", []byte("data"), nil, "text/plain")
	if err != nil || loc == "" {
		t.Fatalf("StoreBlob = %q,%v", loc, err)
	}
	eventually(t, "upload failure hook", func() bool {
		var ok bool
		h.snapshot(func(h *recHooks) { _, ok = h.failed["up1"] })
		return ok
	})
	h.snapshot(func(h *recHooks) {
		var de *DurableError
		if !errors.As(h.failed["up1"], &de) || de.Message != "disk full" {
			t.Fatalf("failure = %v", h.failed["up1"])
		}
	})
	if got, _ := cc.LookupMemory("up1"); got != loc {
		t.Fatalf("memory row must survive upload failure")
	}
}

func TestUploadTimeoutReported(t *testing.T) {
	ch, _ := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeUpload {
			return nil
		}
		return reachable(m)
	})
	h := newRecHooks()
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.Hooks = h; o.UploadTimeout = 20 * time.Millisecond })

	if _, err := cc.StoreBlob("up2", []byte("data"), nil, ""); err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}
	eventually(t, "upload timeout", func() bool {
		var ok bool
		h.snapshot(func(h *recHooks) { _, ok = h.failed["up2"] })
		return ok
	})
}

func TestDisableUploadSendsNothing(t *testing.T) {
	ch, store := startStore(t, reachable)
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.DisableUpload = true })

	if _, err := cc.StoreBlob("up3", []byte("data"), nil, ""); err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}
	if err := cc.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := store.count(protocol.TypeUpload); n != 0 {
		t.Fatalf("uploads = %d with uploads disabled", n)
	}
}

// ==============================
// Reset and lifecycle
// ==============================

func TestReset(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ch, store := startStore(t, reachable)
		cc := newTestCache(t, func(o *Options) { o.Channel = ch })
		_, _ = cc.StoreBlob("keep", []byte("x"), nil, "")
		if err := cc.Reset(context.Background()); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if store.count(protocol.TypeReset) != 1 {
			t.Fatalf("reset not sent")
		}
		if _, ok := cc.LookupMemory("keep"); !ok {
			t.Fatalf("reset must not touch the memory table")
		}
	})
	t.Run("error", func(t *testing.T) {
		ch, _ := startStore(t, func(m protocol.Message) []protocol.Message {
			if m.Type == protocol.TypeReset {
				return []protocol.Message{{Type: protocol.TypeResetError, Error: "busy"}}
			}
			return reachable(m)
		})
		cc := newTestCache(t, func(o *Options) { o.Channel = ch })
		var de *DurableError
		if err := cc.Reset(context.Background()); !errors.As(err, &de) || de.Op != "reset" {
			t.Fatalf("err = %v, want *DurableError", err)
		}
	})
	t.Run("unavailable", func(t *testing.T) {
		ch, _ := startStore(t, silent)
		cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.ProbeTimeout = 10 * time.Millisecond })
		if err := cc.Reset(context.Background()); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	})
	t.Run("standalone", func(t *testing.T) {
		cc := newTestCache(t, nil)
		if err := cc.Reset(context.Background()); !errors.Is(err, ErrNoChannel) {
			t.Fatalf("err = %v, want ErrNoChannel", err)
		}
	})
}

func TestCloseStopsEverything(t *testing.T) {
	ch, store := startStore(t, reachable)
	cc := newTestCache(t, func(o *Options) { o.Channel = ch })
	if _, err := cc.StoreBlob("c1", []byte("x"), nil, ""); err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}
	if err := cc.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cc.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := cc.StoreBlob("c2", []byte("x"), nil, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("StoreBlob after Close err = %v", err)
	}
	if _, err := cc.Fetch(context.Background(), "https://x/a", FetchOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Fetch after Close err = %v", err)
	}
	if err := store.ch.Send(context.Background(), protocol.Message{Type: protocol.TypeAvailabilityAck}); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("channel should be closed with the cache, Send err = %v", err)
	}
}

func TestChannelLossFailsPendingLookups(t *testing.T) {
	ch, store := startStore(t, func(m protocol.Message) []protocol.Message {
		if m.Type == protocol.TypeLookup {
			return nil
		}
		return reachable(m)
	})
	cc := newTestCache(t, func(o *Options) { o.Channel = ch; o.LookupTimeout = 5 * time.Second })
	if !cc.Available(context.Background()) {
		t.Fatalf("store should be available")
	}

	done := make(chan bool)
	go func() {
		_, ok := cc.durableLookup(context.Background(), "gone")
		done <- ok
	}()
	eventually(t, "lookup registered", func() bool { return store.count(protocol.TypeLookup) == 1 })
	_ = store.ch.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("lookup should miss after channel loss")
		}
	case <-time.After(time.Second):
		t.Fatalf("pending lookup not released by channel loss")
	}
}

func ExampleDeriveKey() {
	fmt.Println(DeriveKey("https://x/a.png", "fast") != DeriveKey("https://x/a.png", "slow"))
	// Output: true
}
