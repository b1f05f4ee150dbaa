package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const supportedBackendList = "disk|memory|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageBackend {
	case BackendDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "disk 后端不能为空")
		}
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端不能为空")
		}
		if g.RedisDB < 0 {
			return newFieldError("Global.RedisDB", "不能为负数")
		}
	case BackendMemory:
	default:
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.CacheVersion == "" {
		return newFieldError("Global.CacheVersion", "不能为空")
	}
	if g.InflightTTL.DurationValue() <= 0 {
		return newFieldError("Global.InflightTTL", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(g.AllowList) == 0 {
		return newFieldError("Global.AllowList", "至少需要一个 URL 正则")
	}
	for i, pattern := range g.AllowList {
		if strings.TrimSpace(pattern) == "" {
			return newFieldError(allowListField(i), "不能为空")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError(allowListField(i), fmt.Sprintf("正则无效: %v", err))
		}
	}

	if len(c.Scopes) == 0 {
		return errors.New("至少需要配置一个 Scope")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Scopes {
		scope := &c.Scopes[i]
		if scope.Name == "" {
			return newFieldError("Scope[].Name", "不能为空")
		}
		if _, exists := seenNames[scope.Name]; exists {
			return newFieldError(scopeField(scope.Name, "Name"), "重复")
		}
		seenNames[scope.Name] = struct{}{}

		if err := validateDomain(scope.Domain); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Domain"), err)
		}
		domain := strings.ToLower(scope.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(scopeField(scope.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(scope.Upstream); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Upstream"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
