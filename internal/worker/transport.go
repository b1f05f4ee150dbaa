package worker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/photomate/imagecache/internal/cache"
)

// Transport 将 Worker 包装为 http.RoundTripper：符合 allow-list 的 GET 走缓存，
// 其余请求（或 worker 尚未激活时）原样交给下一层。
type Transport struct {
	worker *Worker
}

var _ http.RoundTripper = (*Transport)(nil)

// Transport 返回绑定当前 Worker 的 RoundTripper。
func (w *Worker) Transport() *Transport {
	return &Transport{worker: w}
}

// RoundTrip 实现 http.RoundTripper。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	w := t.worker
	if !w.Controlling() || !w.filter.Eligible(req) {
		w.observer.ObserveFetch(OutcomeBypass)
		return w.next.RoundTrip(req)
	}

	entry, err := w.Fetch(req)
	if err != nil {
		return nil, err
	}
	return entryResponse(req, entry), nil
}

// entryResponse 将缓存条目还原为 http.Response，每次调用都生成独立的 Body。
func entryResponse(req *http.Request, entry *cache.Entry) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, entry.StatusText),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        entry.Header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
