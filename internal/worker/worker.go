package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photomate/imagecache/internal/cache"
	"github.com/photomate/imagecache/internal/logging"
)

// State 描述 worker 生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrRedundant 表示 worker 已关闭，不能再次激活。
var ErrRedundant = errors.New("worker is redundant")

// Observer 接收取数、刷新与控制消息事件，metrics.Recorder 实现了该接口。
type Observer interface {
	ObserveFetch(outcome string)
	ObserveRefresh(ok bool)
	ObserveMessage(kind string)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(string)   {}
func (nopObserver) ObserveRefresh(bool)   {}
func (nopObserver) ObserveMessage(string) {}

// Options 汇总构建 Worker 所需的依赖。
type Options struct {
	// Storage 与 CacheName 必填；CacheName 即当前缓存代际的名称。
	Storage   cache.Storage
	CacheName string
	Filter    *Filter
	// Next 是真正发起网络请求的 RoundTripper，默认 http.DefaultTransport。
	Next        http.RoundTripper
	Logger      *logrus.Logger
	Observer    Observer
	InflightTTL time.Duration
	Now         func() time.Time
}

// Worker 负责图片响应缓存的生命周期、取数协调与失效消息。
type Worker struct {
	storage   cache.Storage
	cacheName string
	filter    *Filter
	next      http.RoundTripper
	logger    *logrus.Logger
	observer  Observer
	now       func() time.Time
	inflight  *inflightTable

	mu        sync.Mutex
	state     State
	ready     chan struct{}
	readyOnce sync.Once
	onReady   []func()

	background sync.WaitGroup
}

// New 校验依赖并返回处于 parsed 状态的 Worker，调用 Install 后才接管请求。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Filter == nil {
		return nil, errors.New("request filter is required")
	}
	if opts.Next == nil {
		opts.Next = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Worker{
		storage:   opts.Storage,
		cacheName: opts.CacheName,
		filter:    opts.Filter,
		next:      opts.Next,
		logger:    opts.Logger,
		observer:  opts.Observer,
		now:       opts.Now,
		inflight:  newInflightTable(opts.InflightTTL),
		state:     StateParsed,
		ready:     make(chan struct{}),
	}, nil
}

// CacheName 返回当前缓存代际名称。
func (w *Worker) CacheName() string {
	return w.cacheName
}

// Filter 返回 allow-list 过滤器。
func (w *Worker) Filter() *Filter {
	return w.filter
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Controlling 报告 worker 是否已激活并接管请求。
func (w *Worker) Controlling() bool {
	return w.State() == StateActivated
}

// Ready 返回在激活完成时关闭的 channel。
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// OnReady 注册激活回调；已激活时立即执行。
func (w *Worker) OnReady(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	if w.state != StateActivated {
		w.onReady = append(w.onReady, fn)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	fn()
}

// Install 没有预缓存内容，因此跳过 waiting 直接进入激活流程。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateRedundant:
		w.mu.Unlock()
		return ErrRedundant
	case StateParsed:
		w.state = StateInstalled
	}
	w.mu.Unlock()

	w.logger.WithFields(logging.CacheFields("install", w.cacheName, "")).Info("worker_installed")
	return w.Activate(ctx)
}

// Activate 删除所有非当前名称的缓存代际，然后接管请求。
// 清理失败只记录日志，不阻止激活。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateRedundant:
		w.mu.Unlock()
		return ErrRedundant
	case StateActivated:
		w.mu.Unlock()
		return nil
	}
	w.state = StateActivating
	w.mu.Unlock()

	w.retireGenerations(ctx)
	w.claim()

	w.logger.WithFields(logging.CacheFields("activate", w.cacheName, "")).Info("worker_activated")
	return nil
}

func (w *Worker) retireGenerations(ctx context.Context) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.logger.WithError(err).
			WithFields(logging.CacheFields("activate", w.cacheName, "")).
			Warn("cache_enumerate_failed")
		return
	}
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		fields := logging.CacheFields("activate", w.cacheName, "")
		fields["stale_cache"] = name
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("cache_retire_failed")
			continue
		}
		w.logger.WithFields(fields).Info("cache_retired")
	}
}

func (w *Worker) claim() {
	w.mu.Lock()
	if w.state == StateRedundant {
		w.mu.Unlock()
		return
	}
	w.state = StateActivated
	callbacks := w.onReady
	w.onReady = nil
	w.readyOnce.Do(func() { close(w.ready) })
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Close 标记 worker 为 redundant，并等待后台刷新结束或 ctx 超时。
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 阻塞直到当前所有后台刷新完成。
func (w *Worker) Wait() {
	w.background.Wait()
}
