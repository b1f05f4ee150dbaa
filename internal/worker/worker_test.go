package worker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/photomate/imagecache/internal/cache"
)

func TestInstallRetiresOldGenerations(t *testing.T) {
	storage := cache.NewMemoryStorage()
	ctx := context.Background()
	for _, name := range []string{"photomate-images-v1", "photomate-images-beta", testCacheName} {
		store, err := storage.Open(ctx, name)
		if err != nil {
			t.Fatalf("seed open error: %v", err)
		}
		if err := store.Put(ctx, cache.NewKey(http.MethodGet, testImageURL), legacyEntry(name)); err != nil {
			t.Fatalf("seed put error: %v", err)
		}
	}

	w := newTestWorker(t, &stubNetwork{handler: respondWith(http.StatusOK, "")}, withStorage(storage))

	names, err := storage.Names(ctx)
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	sort.Strings(names)
	if len(names) != 1 || names[0] != testCacheName {
		t.Fatalf("expected only current generation, got %v", names)
	}
	keys, _ := currentCache(t, w).Keys(ctx)
	if len(keys) != 1 {
		t.Fatalf("current generation must keep its entries, got %v", keys)
	}
}

func TestActivationSurvivesEnumerationFailure(t *testing.T) {
	storage := &faultyStorage{Storage: cache.NewMemoryStorage(), namesErr: errors.New("io error")}
	w := newTestWorker(t, &stubNetwork{handler: respondWith(http.StatusOK, "")}, withStorage(storage))
	if !w.Controlling() {
		t.Fatalf("worker should control requests after activation")
	}
}

func TestLifecycleStatesAndReadyCallbacks(t *testing.T) {
	filter, err := NewFilter([]string{testPattern})
	if err != nil {
		t.Fatalf("filter error: %v", err)
	}
	w, err := New(Options{Storage: cache.NewMemoryStorage(), CacheName: testCacheName, Filter: filter})
	if err != nil {
		t.Fatalf("new error: %v", err)
	}
	if w.State() != StateParsed || w.Controlling() {
		t.Fatalf("fresh worker should be parsed and not controlling, got %s", w.State())
	}
	select {
	case <-w.Ready():
		t.Fatalf("ready must not be closed before activation")
	default:
	}

	var before, after int
	w.OnReady(func() { before++ })

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	select {
	case <-w.Ready():
	case <-time.After(time.Second):
		t.Fatalf("ready not closed after install")
	}
	if w.State() != StateActivated || !w.Controlling() {
		t.Fatalf("expected activated, got %s", w.State())
	}

	w.OnReady(func() { after++ })
	if before != 1 || after != 1 {
		t.Fatalf("ready callbacks before=%d after=%d", before, after)
	}

	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("repeated activate should be a no-op: %v", err)
	}
	if before != 1 {
		t.Fatalf("callbacks must run once, got %d", before)
	}
}

func TestCloseMakesWorkerRedundant(t *testing.T) {
	network := &stubNetwork{handler: respondWith(http.StatusOK, "img")}
	w := newTestWorker(t, network)

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if w.State() != StateRedundant || w.Controlling() {
		t.Fatalf("expected redundant, got %s", w.State())
	}
	if err := w.Install(context.Background()); !errors.Is(err, ErrRedundant) {
		t.Fatalf("expected ErrRedundant, got %v", err)
	}

	resp, err := w.Transport().RoundTrip(newGet(t, testImageURL))
	if err != nil {
		t.Fatalf("round trip error: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(HeaderCached) != "" {
		t.Fatalf("redundant worker must pass requests through")
	}
	keys, _ := currentCache(t, w).Keys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("redundant worker must not cache, got %v", keys)
	}
}

func TestCloseWaitsForBackgroundRefresh(t *testing.T) {
	release := make(chan struct{})
	network := &stubNetwork{handler: func(req *http.Request) (*http.Response, error) {
		<-release
		return newResponse(req, http.StatusOK, "fresh"), nil
	}}
	w := newTestWorker(t, network)
	if err := currentCache(t, w).Put(context.Background(), cache.NewKey(http.MethodGet, testImageURL), legacyEntry("stale")); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	if _, err := w.Fetch(newGet(t, testImageURL)); err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close should time out while refresh is pending, got %v", err)
	}

	close(release)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close after refresh error: %v", err)
	}
}

func TestTransportBypassesIneligibleRequests(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := &stubNetwork{handler: respondWith(http.StatusOK, "ok")}
	w := newTestWorker(t, network, withStorage(storage))
	transport := w.Transport()

	post, err := http.NewRequest(http.MethodPost, testImageURL, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	requests := []*http.Request{
		post,
		newGet(t, "https://api.example.com/v1/me"),
		newGet(t, "https://x.supabase.co/storage/v1/object/public/avatars/a.png"),
	}
	for _, req := range requests {
		for i := 0; i < 2; i++ {
			resp, err := transport.RoundTrip(req)
			if err != nil {
				t.Fatalf("%s %s: round trip error: %v", req.Method, req.URL, err)
			}
			resp.Body.Close()
			if resp.Header.Get(HeaderCached) != "" {
				t.Fatalf("%s %s: bypassed response must not be stamped", req.Method, req.URL)
			}
		}
	}
	if network.count() != 6 {
		t.Fatalf("every bypassed request must reach the network, got %d", network.count())
	}
	keys, _ := currentCache(t, w).Keys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("bypassed requests must not be cached, got %v", keys)
	}
}

func TestTransportPassesThroughBeforeActivation(t *testing.T) {
	filter, err := NewFilter([]string{testPattern})
	if err != nil {
		t.Fatalf("filter error: %v", err)
	}
	storage := cache.NewMemoryStorage()
	network := &stubNetwork{handler: respondWith(http.StatusOK, "img")}
	w, err := New(Options{Storage: storage, CacheName: testCacheName, Filter: filter, Next: network})
	if err != nil {
		t.Fatalf("new error: %v", err)
	}

	resp, err := w.Transport().RoundTrip(newGet(t, testImageURL))
	if err != nil {
		t.Fatalf("round trip error: %v", err)
	}
	resp.Body.Close()
	names, _ := storage.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("inactive worker must not touch storage, got %v", names)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	filter, err := NewFilter(nil)
	if err != nil {
		t.Fatalf("filter error: %v", err)
	}
	testCases := []struct {
		name string
		opts Options
	}{
		{"missing storage", Options{CacheName: testCacheName, Filter: filter}},
		{"missing cache name", Options{Storage: cache.NewMemoryStorage(), Filter: filter}},
		{"missing filter", Options{Storage: cache.NewMemoryStorage(), CacheName: testCacheName}},
	}
	for _, tc := range testCases {
		if _, err := New(tc.opts); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
