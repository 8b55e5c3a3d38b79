package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(gatewayRequestsTotal.WithLabelValues("GET", "ok"))
	RecordRequest("GET", "ok", 0.01)
	after := testutil.ToFloat64(gatewayRequestsTotal.WithLabelValues("GET", "ok"))
	if after != before+1 {
		t.Fatalf("Expected counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestSetFallbackMode(t *testing.T) {
	SetFallbackMode(true)
	if v := testutil.ToFloat64(gatewayMode); v != 1 {
		t.Fatalf("Expected 1, got %v", v)
	}
	SetFallbackMode(false)
	if v := testutil.ToFloat64(gatewayMode); v != 0 {
		t.Fatalf("Expected 0, got %v", v)
	}
}

func TestCacheCounters(t *testing.T) {
	hits := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	RecordCacheHit()
	if v := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")); v != hits+1 {
		t.Fatalf("Expected %v, got %v", hits+1, v)
	}

	failed := testutil.ToFloat64(cacheFetchesTotal.WithLabelValues("error"))
	RecordCacheFetch(false)
	if v := testutil.ToFloat64(cacheFetchesTotal.WithLabelValues("error")); v != failed+1 {
		t.Fatalf("Expected %v, got %v", failed+1, v)
	}
}

func TestChannelGauges(t *testing.T) {
	SetPresence(12)
	if v := testutil.ToFloat64(channelPresence); v != 12 {
		t.Fatalf("Expected 12, got %v", v)
	}
	SetChannelState(2)
	if v := testutil.ToFloat64(channelState); v != 2 {
		t.Fatalf("Expected 2, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	RecordNotification("system", "shown")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "livesite_notifications_total") {
		t.Fatal("Expected livesite_notifications_total in metrics output")
	}
}
