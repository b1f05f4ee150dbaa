package server

import (
	"testing"

	"github.com/photomate/imagecache/internal/config"
)

func testScopeConfig(scopes ...config.ScopeConfig) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Scopes: scopes,
	}
}

func TestScopeRegistryLookupByHost(t *testing.T) {
	cfg := testScopeConfig(
		config.ScopeConfig{
			Name:     "images",
			Domain:   "images.photomate.local",
			Upstream: "https://x.supabase.co",
		},
		config.ScopeConfig{
			Name:     "avatars",
			Domain:   "avatars.photomate.local",
			Upstream: "https://y.supabase.co/storage",
		},
	)

	registry, err := NewScopeRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scope, ok := registry.Lookup("images.photomate.local")
	if !ok {
		t.Fatalf("expected images scope")
	}
	if scope.Name() != "images" {
		t.Errorf("wrong scope returned: %s", scope.Name())
	}
	if scope.UpstreamURL.String() != "https://x.supabase.co" {
		t.Errorf("unexpected upstream URL: %s", scope.UpstreamURL)
	}
	if scope.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("scope listen port mismatch: %d", scope.ListenPort)
	}

	list := registry.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 scopes in list, got %d", len(list))
	}
	if list[0].Name() != "images" || list[1].Name() != "avatars" {
		t.Fatalf("list must keep config order, got %s,%s", list[0].Name(), list[1].Name())
	}
}

func TestScopeRegistryParsesHostHeaderPort(t *testing.T) {
	cfg := testScopeConfig(config.ScopeConfig{
		Name:     "images",
		Domain:   "images.photomate.local",
		Upstream: "https://x.supabase.co",
	})

	registry, err := NewScopeRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, host := range []string{"images.photomate.local:6000", "IMAGES.photomate.local.", " images.photomate.local "} {
		if _, ok := registry.Lookup(host); !ok {
			t.Fatalf("expected lookup to normalize %q", host)
		}
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not match")
	}
}

func TestScopeRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testScopeConfig(
		config.ScopeConfig{Name: "images", Domain: "images.photomate.local", Upstream: "https://x.supabase.co"},
		config.ScopeConfig{Name: "images-alt", Domain: "images.photomate.local", Upstream: "https://y.supabase.co"},
	)

	if _, err := NewScopeRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestScopeRegistryRejectsRelativeUpstream(t *testing.T) {
	cfg := testScopeConfig(config.ScopeConfig{Name: "images", Domain: "images.photomate.local", Upstream: "/storage"})
	if _, err := NewScopeRegistry(cfg); err == nil {
		t.Fatalf("expected relative upstream error")
	}
}
