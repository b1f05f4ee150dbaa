package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.ObserveFetch("hit")
	r.ObserveFetch("hit")
	r.ObserveFetch("miss")
	r.ObserveRefresh(true)
	r.ObserveRefresh(false)
	r.ObserveMessage("CLEAR_ALL_IMAGES")

	if got := testutil.ToFloat64(r.fetches.WithLabelValues("hit")); got != 2 {
		t.Fatalf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(r.fetches.WithLabelValues("miss")); got != 1 {
		t.Fatalf("expected 1 miss, got %v", got)
	}
	if got := testutil.ToFloat64(r.refresh.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed refresh, got %v", got)
	}
	if got := testutil.ToFloat64(r.messages.WithLabelValues("CLEAR_ALL_IMAGES")); got != 1 {
		t.Fatalf("expected 1 clear message, got %v", got)
	}
}

func TestRecorderHandlerExposesCounters(t *testing.T) {
	r := NewRecorder()
	r.ObserveFetch("coalesced")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `imagecache_fetch_total{outcome="coalesced"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
