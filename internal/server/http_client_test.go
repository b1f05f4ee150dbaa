package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/photomate/imagecache/internal/config"
)

func TestNewUpstreamTransportUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	transport := NewUpstreamTransport(cfg)
	if transport.ResponseHeaderTimeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", transport.ResponseHeaderTimeout)
	}
	if transport == defaultTransport {
		t.Fatalf("transport must be a clone of the shared template")
	}
}

func TestNewUpstreamTransportDefaultsTimeout(t *testing.T) {
	transport := NewUpstreamTransport(nil)
	if transport.ResponseHeaderTimeout != defaultUpstreamTimeout {
		t.Fatalf("expected default timeout, got %s", transport.ResponseHeaderTimeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("proxy-connection", "close")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Connection"} {
		if _, exists := dst[name]; exists {
			t.Fatalf("%s header should not be copied", name)
		}
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}
