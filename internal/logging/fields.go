package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 scope/domain/方法等字段，供代理请求日志复用。
func RequestFields(scope, domain, method, target string) logrus.Fields {
	return logrus.Fields{
		"scope":  scope,
		"domain": domain,
		"method": method,
		"target": target,
	}
}

// CacheFields 提供缓存代际与请求标识字段，供 worker 内部日志复用。
func CacheFields(action, cacheName, key string) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
	}
	if key != "" {
		fields["cache_key"] = key
	}
	return fields
}
