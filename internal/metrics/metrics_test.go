package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://WorkplaceRelations.ie/en/search", "workplacerelations.ie"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "localhost:9000", "localhost"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if listingPagesTotal == nil || documentsTotal == nil ||
		httpRequestsTotal == nil || activeWorkers == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDocument(t *testing.T) {
	Init()
	before := testutil.ToFloat64(documentsTotal.WithLabelValues("download", "failed"))
	ObserveDocument("download", "failed")
	ObserveDocument("download", "failed")
	if got := testutil.ToFloat64(documentsTotal.WithLabelValues("download", "failed")); got != before+2 {
		t.Errorf("expected %f failed downloads, got %f", before+2, got)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	IncActiveWorkers("transform")
	IncActiveWorkers("transform")
	DecActiveWorkers("transform")
	if got := testutil.ToFloat64(activeWorkers.WithLabelValues("transform")); got != 1 {
		t.Errorf("expected 1 active worker, got %f", got)
	}
	DecActiveWorkers("transform")
}

func TestObserveBytesIgnoresEmpty(t *testing.T) {
	ObserveBytes("curated", 0)
	ObserveBytes("curated", 128)
	if got := testutil.ToFloat64(bytesTotal.WithLabelValues("curated")); got != 128 {
		t.Errorf("expected 128 bytes, got %f", got)
	}
	ObserveStage("crawl", 2*time.Second)
	if testutil.CollectAndCount(stageDurationSeconds) == 0 {
		t.Error("expected stage duration to be observed")
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://www.workplacerelations.ie", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
