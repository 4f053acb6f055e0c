package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readability-server/internal/dispatcher"
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
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(0))
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := poolTasksTotal
	Init()
	require.NotNil(t, first)
	require.Same(t, first, poolTasksTotal)
}

func TestObserveFetch(t *testing.T) {
	Init()
	ObserveFetch("https://fetch-test.example/a", "2xx", 120)
	ObserveFetch("https://FETCH-TEST.example/b", "timeout", 0)

	require.InDelta(t, 1, testutil.ToFloat64(upstreamFetchesTotal.WithLabelValues("fetch-test.example", "2xx")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(upstreamFetchesTotal.WithLabelValues("fetch-test.example", "timeout")), 0)
	require.InDelta(t, 120, testutil.ToFloat64(upstreamBytesTotal.WithLabelValues("fetch-test.example")), 0)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/mw-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/mw-teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	for _, path := range []string{"/mw-ok", "/mw-teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestPoolObserver(t *testing.T) {
	obs := NewPoolObserver()

	obs.TaskAssigned(20 * time.Millisecond)
	obs.TaskFinished(dispatcher.OutcomeTimedOut, 45*time.Second)
	obs.WorkerRestarted(dispatcher.RestartTimeout)
	obs.StatsChanged(dispatcher.Stats{Size: 4, Idle: 1, Busy: 2, Dead: 1, Queued: 7, Pending: 9})

	require.InDelta(t, 1, testutil.ToFloat64(poolTasksTotal.WithLabelValues("timed_out")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(poolWorkerRestartsTotal.WithLabelValues("timeout")), 0)
	require.InDelta(t, 7, testutil.ToFloat64(poolQueueDepth), 0)
	require.InDelta(t, 9, testutil.ToFloat64(poolPendingTasks), 0)
	require.InDelta(t, 2, testutil.ToFloat64(poolWorkers.WithLabelValues("busy")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(poolWorkers.WithLabelValues("dead")), 0)
	require.Equal(t, 1, testutil.CollectAndCount(poolQueueWaitSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
