package cache

import (
	"net/http"
	"strings"
)

// Key 唯一标识一个缓存条目（请求方法 + 完整 URL）。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化请求方法，缺省视为 GET。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

// KeyFor 从 http.Request 推导请求标识。
func KeyFor(req *http.Request) Key {
	return NewKey(req.Method, req.URL.String())
}

// String 输出 "METHOD URL" 形式，作为请求合并表与 Redis 字段的键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 解析 String 的输出。
func ParseKey(raw string) (Key, bool) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, false
	}
	return Key{Method: method, URL: rawURL}, true
}

// Entry 是一次完整缓冲的响应：状态码、状态文本、头部与正文。
type Entry struct {
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body,omitempty"`
}

// Clone 复制头部，正文切片按只读共享。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Header = e.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = make(http.Header)
	}
	return &cloned
}

// OK 表示响应可以写入缓存。只有 200 会被缓存。
func (e *Entry) OK() bool {
	return e != nil && e.Status == http.StatusOK
}
