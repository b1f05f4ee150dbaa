package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/photomate/imagecache/internal/cache"
)

const (
	testCacheName = "photomate-images-v2"
	testPattern   = `\.supabase\.co/storage/v1/object/sign/images/`
	testImageURL  = "https://x.supabase.co/storage/v1/object/sign/images/foo.png?token=abc"
)

var fixedNow = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

// stubNetwork 统计回源次数，handler 决定每次返回的响应。
type stubNetwork struct {
	calls   atomic.Int32
	handler func(*http.Request) (*http.Response, error)
}

func (s *stubNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	return s.handler(req)
}

func (s *stubNetwork) count() int {
	return int(s.calls.Load())
}

func respondWith(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		return newResponse(req, status, body), nil
	}
}

func newResponse(req *http.Request, status int, body string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "image/png")
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

type workerOption func(*Options)

func withInflightTTL(ttl time.Duration) workerOption {
	return func(o *Options) { o.InflightTTL = ttl }
}

func withStorage(storage cache.Storage) workerOption {
	return func(o *Options) { o.Storage = storage }
}

func withObserver(observer Observer) workerOption {
	return func(o *Options) { o.Observer = observer }
}

// newTestWorker 返回已激活的 Worker，默认使用内存存储。
func newTestWorker(t *testing.T, network http.RoundTripper, opts ...workerOption) *Worker {
	t.Helper()
	filter, err := NewFilter([]string{testPattern})
	if err != nil {
		t.Fatalf("filter error: %v", err)
	}
	options := Options{
		Storage:     cache.NewMemoryStorage(),
		CacheName:   testCacheName,
		Filter:      filter,
		Next:        network,
		InflightTTL: 10 * time.Millisecond,
		Now:         func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&options)
	}
	w, err := New(options)
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func newGet(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

// waitForInflightDrain 等待合并表清空，超时则失败。
func waitForInflightDrain(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.inflight.len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight table not drained, %d entries left", w.inflight.len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func currentCache(t *testing.T, w *Worker) cache.Cache {
	t.Helper()
	c, err := w.storage.Open(context.Background(), w.cacheName)
	if err != nil {
		t.Fatalf("open cache error: %v", err)
	}
	return c
}

func legacyEntry(body string) *cache.Entry {
	header := http.Header{}
	header.Set("Content-Type", "image/png")
	return &cache.Entry{Status: http.StatusOK, StatusText: "OK", Header: header, Body: []byte(body)}
}

// faultyStorage 在指定操作上注入错误，其余委托给内嵌 Storage。
type faultyStorage struct {
	cache.Storage
	openErr   error
	namesErr  error
	putErr    error
	deleteErr error
	keysErr   error
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyCache{Cache: c, storage: s}, nil
}

func (s *faultyStorage) Names(ctx context.Context) ([]string, error) {
	if s.namesErr != nil {
		return nil, s.namesErr
	}
	return s.Storage.Names(ctx)
}

type faultyCache struct {
	cache.Cache
	storage *faultyStorage
}

func (c *faultyCache) Put(ctx context.Context, key cache.Key, entry *cache.Entry) error {
	if c.storage.putErr != nil {
		return c.storage.putErr
	}
	return c.Cache.Put(ctx, key, entry)
}

func (c *faultyCache) Delete(ctx context.Context, key cache.Key) (bool, error) {
	if c.storage.deleteErr != nil {
		return false, c.storage.deleteErr
	}
	return c.Cache.Delete(ctx, key)
}

func (c *faultyCache) Keys(ctx context.Context) ([]cache.Key, error) {
	if c.storage.keysErr != nil {
		return nil, c.storage.keysErr
	}
	return c.Cache.Keys(ctx)
}

// countingObserver 记录 outcome 次数。
type countingObserver struct {
	fetches  map[string]*atomic.Int32
	refreshO atomic.Int32
	refreshF atomic.Int32
	messages atomic.Int32
}

func newCountingObserver() *countingObserver {
	o := &countingObserver{fetches: map[string]*atomic.Int32{}}
	for _, outcome := range []string{OutcomeHit, OutcomeLegacy, OutcomeMiss, OutcomeUncacheable, OutcomeError, OutcomeCoalesced, OutcomeBypass} {
		o.fetches[outcome] = &atomic.Int32{}
	}
	return o
}

func (o *countingObserver) ObserveFetch(outcome string) { o.fetches[outcome].Add(1) }
func (o *countingObserver) ObserveMessage(string)       { o.messages.Add(1) }
func (o *countingObserver) ObserveRefresh(ok bool) {
	if ok {
		o.refreshO.Add(1)
		return
	}
	o.refreshF.Add(1)
}

func (o *countingObserver) fetch(outcome string) int {
	return int(o.fetches[outcome].Load())
}
