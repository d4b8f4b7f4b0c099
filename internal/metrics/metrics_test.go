package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveFile("gpx", 120, 4096, 15*time.Millisecond)
	m.ObserveFile("tcx", 30, 1024, time.Millisecond)
	m.ObserveFailure("", "resource")
	m.ObserveFailure("fit", "format")
	m.ObserveMerge(2)
	m.IncExport("parquet")
	m.IncQuery(false)
	m.IncImport("ok")
	m.ObserveHTTP("POST", 201, 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("gpx", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("unknown", "error")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.rows))
	assert.Equal(t, 5120.0, testutil.ToFloat64(m.bytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("format")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "201")))

	snap := m.Snapshot()
	assert.Equal(t, 4.0, snap["runframe_ingest_files_total"])
	assert.Equal(t, 2.0, snap["runframe_ingest_errors_total"])
	assert.Contains(t, snap, "runframe_uptime_seconds")
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.ObserveFile("fit", 10, 100, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `runframe_ingest_files_total{format="fit",outcome="ok"} 1`)
	assert.Contains(t, string(body), "runframe_ingest_parse_duration_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
