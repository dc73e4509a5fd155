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
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
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

	if tasksFinishedTotal == nil || engineSelectionsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(engineSelectionsTotal.WithLabelValues("metrics-test"))
	ObserveEngineSelection("metrics-test")
	if got := testutil.ToFloat64(engineSelectionsTotal.WithLabelValues("metrics-test")); got != before+1 {
		t.Errorf("engine selections = %f; want %f", got, before+1)
	}

	finishedBefore := testutil.ToFloat64(tasksFinishedTotal.WithLabelValues("completed"))
	ObserveTaskFinished("scrape", "completed", 150*time.Millisecond)
	if got := testutil.ToFloat64(tasksFinishedTotal.WithLabelValues("completed")); got != finishedBefore+1 {
		t.Errorf("tasks finished = %f; want %f", got, finishedBefore+1)
	}

	drainedBefore := testutil.ToFloat64(backlogDrainedTotal.WithLabelValues("expired"))
	ObserveBacklogDrained("expired", 0)
	ObserveBacklogDrained("expired", 3)
	if got := testutil.ToFloat64(backlogDrainedTotal.WithLabelValues("expired")); got != drainedBefore+3 {
		t.Errorf("backlog drained = %f; want %f", got, drainedBefore+3)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
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
