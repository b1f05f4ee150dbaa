// Package metrics exposes the image cache counters through a dedicated
// Prometheus registry so tests and embedded workers never collide with the
// process-wide default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagecache"

// Recorder 汇总 worker 的取数结果、后台刷新与控制消息计数。
type Recorder struct {
	registry *prometheus.Registry
	fetches  *prometheus.CounterVec
	refresh  *prometheus.CounterVec
	messages *prometheus.CounterVec
}

// NewRecorder 创建独立 registry，并注册 Go runtime/进程采集器。
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by outcome (hit, legacy, miss, uncacheable, error, coalesced, bypass).",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Background refreshes of legacy entries by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Control messages handled by type.",
		}, []string{"type"}),
	}
	registry.MustRegister(
		r.fetches,
		r.refresh,
		r.messages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveFetch 记录一次拦截请求的结果。
func (r *Recorder) ObserveFetch(outcome string) {
	r.fetches.WithLabelValues(outcome).Inc()
}

// ObserveRefresh 记录一次 legacy 条目后台刷新。
func (r *Recorder) ObserveRefresh(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	r.refresh.WithLabelValues(result).Inc()
}

// ObserveMessage 记录一次控制消息。
func (r *Recorder) ObserveMessage(kind string) {
	r.messages.WithLabelValues(kind).Inc()
}

// Registry 返回底层 registry，供测试直接采集。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
