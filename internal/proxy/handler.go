package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/photomate/imagecache/internal/logging"
	"github.com/photomate/imagecache/internal/server"
)

// Handler 将 Fiber 请求改写为指向 Scope 上游的 http.Request，
// 交给 worker.Transport 执行 cache-first 策略后把结果写回客户端。
type Handler struct {
	transport http.RoundTripper
	logger    *logrus.Logger
}

// NewHandler constructs a proxy handler around the cache-aware transport.
func NewHandler(transport http.RoundTripper, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		transport: transport,
		logger:    logger,
	}
}

// Handle 构造上游请求、执行并流式返回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, scope *server.Scope) error {
	started := time.Now()
	requestID := server.RequestID(c)

	upstreamURL := resolveUpstreamURL(scope.UpstreamURL, c)
	req, err := h.buildUpstreamRequest(c, upstreamURL, scope)
	if err != nil {
		h.logResult(scope, c.Method(), upstreamURL, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, err := h.transport.RoundTrip(req)
	if err != nil {
		h.logResult(scope, c.Method(), upstreamURL, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(scope, c.Method(), upstreamURL, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(scope, c.Method(), upstreamURL, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, scope *server.Scope) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = upstream.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", scopePort(scope))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(scope *server.Scope, method string, upstream *url.URL, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(scope.Name(), scope.Domain(), method, redactedURL(upstream))
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// resolveUpstreamURL 拼接 Scope 上游前缀与请求路径，保留原始 query（签名 token）。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))

	target := *base
	joined := strings.TrimSuffix(base.Path, "/") + clean
	target.Path = joined
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return &target
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

// redactedURL 去掉 query，避免签名 token 进入日志。
func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.RawQuery = ""
	return clone.String()
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func scopePort(scope *server.Scope) string {
	if scope == nil || scope.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", scope.ListenPort)
}

var _ server.ProxyHandler = (*Handler)(nil)
