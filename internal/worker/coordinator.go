package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/photomate/imagecache/internal/cache"
	"github.com/photomate/imagecache/internal/logging"
)

// 写入缓存的条目都带有以下头部；缺少 HeaderCached 的条目视为 legacy。
const (
	HeaderCached          = "X-Photomate-Cached"
	HeaderCachedAt        = "X-Photomate-Cached-At"
	ImmutableCacheControl = "public, max-age=31536000, immutable"

	cachedAtLayout = "2006-01-02T15:04:05.000Z07:00"
)

// 取数结果，对应 metrics 中 outcome 标签。
const (
	OutcomeHit         = "hit"
	OutcomeLegacy      = "legacy"
	OutcomeMiss        = "miss"
	OutcomeUncacheable = "uncacheable"
	OutcomeError       = "error"
	OutcomeCoalesced   = "coalesced"
	OutcomeBypass      = "bypass"
)

// Fetch 以 cache-first 策略返回响应。同一请求标识的并发调用只会触发一次操作，
// 所有调用方得到相同的结果（各自持有独立的头部副本）。
// 操作一旦开始就不会被调用方的 ctx 取消。
func (w *Worker) Fetch(req *http.Request) (*cache.Entry, error) {
	key := cache.KeyFor(req)
	ctx := context.WithoutCancel(req.Context())

	entry, shared, err := w.inflight.do(key.String(), func() (*cache.Entry, error) {
		return w.cacheFirst(ctx, req, key)
	})
	if shared {
		w.observer.ObserveFetch(OutcomeCoalesced)
	}
	if err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, key cache.Key) (*cache.Entry, error) {
	store, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		w.logger.WithError(err).
			WithFields(logging.CacheFields("fetch", w.cacheName, logKey(key))).
			Warn("cache_open_failed")
		return w.fetchWithoutStore(ctx, req)
	}

	cached, err := store.Match(ctx, key)
	switch {
	case err == nil:
		if isManaged(cached) {
			w.observer.ObserveFetch(OutcomeHit)
			return cached, nil
		}
		w.observer.ObserveFetch(OutcomeLegacy)
		w.refreshInBackground(ctx, store, req, key)
		return cached, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		w.logger.WithError(err).
			WithFields(logging.CacheFields("fetch", w.cacheName, logKey(key))).
			Warn("cache_match_failed")
	}

	fresh, err := w.fetchNetwork(ctx, req)
	if err != nil {
		w.observer.ObserveFetch(OutcomeError)
		return nil, err
	}
	if !fresh.OK() {
		w.observer.ObserveFetch(OutcomeUncacheable)
		return fresh, nil
	}

	stamped := w.stamp(fresh)
	if err := store.Put(ctx, key, stamped); err != nil {
		w.logger.WithError(err).
			WithFields(logging.CacheFields("fetch", w.cacheName, logKey(key))).
			Warn("cache_put_failed")
	}
	w.observer.ObserveFetch(OutcomeMiss)
	return stamped, nil
}

// fetchWithoutStore 在缓存不可用时直接回源，不写缓存。
func (w *Worker) fetchWithoutStore(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	fresh, err := w.fetchNetwork(ctx, req)
	if err != nil {
		w.observer.ObserveFetch(OutcomeError)
		return nil, err
	}
	w.observer.ObserveFetch(OutcomeUncacheable)
	return fresh, nil
}

// refreshInBackground 为 legacy 条目回源并覆盖写入，错误只记录日志，不影响已返回的响应。
func (w *Worker) refreshInBackground(ctx context.Context, store cache.Cache, req *http.Request, key cache.Key) {
	w.background.Add(1)
	go func() {
		defer w.background.Done()

		fields := logging.CacheFields("refresh", w.cacheName, logKey(key))
		fresh, err := w.fetchNetwork(ctx, req)
		if err != nil {
			w.observer.ObserveRefresh(false)
			w.logger.WithError(err).WithFields(fields).Warn("cache_refresh_failed")
			return
		}
		if !fresh.OK() {
			w.observer.ObserveRefresh(false)
			fields["upstream_status"] = fresh.Status
			w.logger.WithFields(fields).Warn("cache_refresh_skipped")
			return
		}
		if err := store.Put(ctx, key, w.stamp(fresh)); err != nil {
			w.observer.ObserveRefresh(false)
			w.logger.WithError(err).WithFields(fields).Warn("cache_refresh_put_failed")
			return
		}
		w.observer.ObserveRefresh(true)
		w.logger.WithFields(fields).Debug("cache_refreshed")
	}()
}

// fetchNetwork 通过 next 发起请求并完整读取正文。网络错误原样返回。
func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""

	resp, err := w.next.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &cache.Entry{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     header,
		Body:       body,
	}, nil
}

// stamp 复制响应并写入缓存标记、不可变 Cache-Control 与写入时间。
func (w *Worker) stamp(entry *cache.Entry) *cache.Entry {
	stamped := entry.Clone()
	stamped.Header.Set(HeaderCached, "true")
	stamped.Header.Set("Cache-Control", ImmutableCacheControl)
	stamped.Header.Set(HeaderCachedAt, w.now().UTC().Format(cachedAtLayout))
	return stamped
}

func isManaged(entry *cache.Entry) bool {
	return entry != nil && entry.Header.Get(HeaderCached) == "true"
}

// CachedAt 解析条目的写入时间。
func CachedAt(entry *cache.Entry) (time.Time, bool) {
	if entry == nil {
		return time.Time{}, false
	}
	raw := entry.Header.Get(HeaderCachedAt)
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// logKey 去掉签名 URL 的 query，避免 token 进入日志。
func logKey(key cache.Key) string {
	parsed, err := url.Parse(key.URL)
	if err != nil {
		return key.Method
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return key.Method + " " + parsed.String()
}
