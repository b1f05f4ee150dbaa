package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/photomate/imagecache/internal/config"
)

// Scope 将 Scope 配置与解析后的上游 URL 聚合在一起，供路由/代理层直接复用。
type Scope struct {
	// Config 是 config.toml 中声明的 Scope 字段副本。
	Config config.ScopeConfig
	// ListenPort 记录当前监听端口，用于日志与 X-Forwarded-Port。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
}

// Name 返回 Scope 名称。
func (s *Scope) Name() string {
	return s.Config.Name
}

// Domain 返回 Scope 对外域名。
func (s *Scope) Domain() string {
	return s.Config.Domain
}

// ScopeRegistry 提供 Host/Host:port 到 Scope 的查询能力，所有 Scope 共享同一个监听端口。
type ScopeRegistry struct {
	scopes  map[string]*Scope
	ordered []*Scope
}

// NewScopeRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewScopeRegistry(cfg *config.Config) (*ScopeRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &ScopeRegistry{
		scopes: make(map[string]*Scope, len(cfg.Scopes)),
	}

	for _, sc := range cfg.Scopes {
		normalizedHost := normalizeDomain(sc.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for scope %s", sc.Name)
		}
		if _, exists := registry.scopes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		upstreamURL, err := url.Parse(sc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for scope %s: %w", sc.Name, err)
		}
		if upstreamURL.Scheme == "" || upstreamURL.Host == "" {
			return nil, fmt.Errorf("upstream for scope %s must be an absolute URL", sc.Name)
		}

		scope := &Scope{
			Config:      sc,
			ListenPort:  cfg.Global.ListenPort,
			UpstreamURL: upstreamURL,
		}
		registry.scopes[normalizedHost] = scope
		registry.ordered = append(registry.ordered, scope)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 Scope，端口部分会被忽略。
func (r *ScopeRegistry) Lookup(host string) (*Scope, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	scope, ok := r.scopes[normalizedHost]
	return scope, ok
}

// List 返回当前注册的 Scope 列表（按配置定义的顺序），用于 /-/scopes 输出。
func (r *ScopeRegistry) List() []Scope {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]Scope, len(r.ordered))
	for i, scope := range r.ordered {
		result[i] = *scope
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
