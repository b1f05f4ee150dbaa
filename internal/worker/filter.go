package worker

import (
	"fmt"
	"net/http"
	"regexp"
)

// Filter 决定某个请求是否由缓存接管：仅 GET，且 URL 命中 allow-list 中任一正则。
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter 编译 allow-list，任一正则非法即返回错误。
func NewFilter(patterns []string) (*Filter, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for i, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("allow-list pattern #%d: %w", i, err)
		}
		compiled = append(compiled, re)
	}
	return &Filter{patterns: compiled}, nil
}

// Eligible 报告请求是否应经过缓存。
func (f *Filter) Eligible(req *http.Request) bool {
	if f == nil || req == nil || req.URL == nil {
		return false
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return false
	}
	return f.Match(req.URL.String())
}

// Match 仅按 URL 匹配 allow-list，不关心请求方法。
func (f *Filter) Match(rawURL string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Patterns 返回原始正则字符串，供诊断接口输出。
func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	result := make([]string, len(f.patterns))
	for i, re := range f.patterns {
		result[i] = re.String()
	}
	return result
}
