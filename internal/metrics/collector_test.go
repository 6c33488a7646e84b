package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fscache/internal/circuit"
	"github.com/objectfs/fscache/internal/storage/s3"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
)

type fakeStore struct{ stats types.CacheStats }

func (f *fakeStore) Stats() types.CacheStats { return f.stats }
func (f *fakeStore) Corruptions() uint64     { return 1 }

type fakeHandles struct{}

func (fakeHandles) HandleStats() types.CacheStats {
	return types.CacheStats{Hits: 4, Misses: 1, Entries: 2, Size: 2048}
}
func (fakeHandles) OpenHandles() int { return 2 }

type fakeBackend struct {
	m  s3.BackendMetrics
	br *circuit.Breaker
}

func (f *fakeBackend) GetMetrics() s3.BackendMetrics { return f.m }
func (f *fakeBackend) Breaker() *circuit.Breaker     { return f.br }

// value returns the sample of name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("no sample %s%v", name, want)
	return 0
}

func newWatchedCollector(t *testing.T) (*Collector, *circuit.Breaker) {
	t.Helper()
	c, err := NewCollector(nil, nil)
	require.NoError(t, err)

	br := circuit.New("s3://bucket", circuit.Config{FailureThreshold: 1, Timeout: time.Hour})
	c.WatchStore(&fakeStore{stats: types.CacheStats{Hits: 3, Misses: 2, FetchCalls: 2, BytesFetched: 900, Entries: 1, Size: 900, Capacity: 1000}})
	c.WatchHandles(fakeHandles{})
	c.WatchBackend("s3://bucket", &fakeBackend{
		m:  s3.BackendMetrics{Requests: 7, Errors: 1, Retries: 2, BytesDownloaded: 4096, MultipartUploadsCompleted: 1},
		br: br,
	})
	return c, br
}

func TestNewCollector(t *testing.T) {
	c, err := NewCollector(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/metrics", c.config.Path)
	assert.Equal(t, "fscache", c.config.Namespace)
	assert.NotNil(t, c.Registry())

	t.Run("disabled", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		c.RecordOperation("cat", time.Millisecond, 10, nil)
		assert.Empty(t, c.GetOperations())
		require.NoError(t, c.Start(context.Background()))
		assert.Empty(t, c.Addr())

		rec := httptest.NewRecorder()
		c.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRecordOperation(t *testing.T) {
	c, err := NewCollector(nil, nil)
	require.NoError(t, err)

	c.RecordOperation("cat", 10*time.Millisecond, 1000, nil)
	c.RecordOperation("cat", 30*time.Millisecond, 3000, nil)
	c.RecordOperation("cat", 20*time.Millisecond, 0, errors.New(errors.ErrCodeNotFound, "missing"))
	c.RecordOperation("put", time.Millisecond, 5, io.ErrUnexpectedEOF)

	ops := c.GetOperations()
	require.Contains(t, ops, "cat")
	assert.EqualValues(t, 3, ops["cat"].Count)
	assert.EqualValues(t, 1, ops["cat"].Errors)
	assert.Equal(t, 20*time.Millisecond, ops["cat"].AvgDuration)
	assert.InDelta(t, 4000.0/3, ops["cat"].AvgSize, 0.001)

	reg := c.Registry()
	assert.Equal(t, 2.0, value(t, reg, "fscache_operations_total", map[string]string{"operation": "cat", "status": "success"}))
	assert.Equal(t, 1.0, value(t, reg, "fscache_errors_total", map[string]string{"operation": "cat", "code": "NOT_FOUND"}))
	assert.Equal(t, 1.0, value(t, reg, "fscache_errors_total", map[string]string{"operation": "put", "code": "other"}))
	assert.Equal(t, 3.0, value(t, reg, "fscache_operation_duration_seconds", map[string]string{"operation": "cat"}))
	// zero-byte operations are not observed
	assert.Equal(t, 2.0, value(t, reg, "fscache_operation_size_bytes", map[string]string{"operation": "cat"}))

	c.ResetMetrics()
	assert.Empty(t, c.GetOperations())
}

func TestSourcesExported(t *testing.T) {
	c, br := newWatchedCollector(t)
	reg := c.Registry()

	assert.Equal(t, 3.0, value(t, reg, "fscache_cache_hits_total", map[string]string{"cache": "store"}))
	assert.Equal(t, 4.0, value(t, reg, "fscache_cache_hits_total", map[string]string{"cache": "handles"}))
	assert.Equal(t, 1000.0, value(t, reg, "fscache_cache_capacity_bytes", map[string]string{"cache": "store"}))
	assert.Equal(t, 1.0, value(t, reg, "fscache_store_corruptions_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "fscache_open_handles", nil))
	assert.Equal(t, 7.0, value(t, reg, "fscache_backend_requests_total", map[string]string{"backend": "s3://bucket"}))
	assert.Equal(t, 2.0, value(t, reg, "fscache_backend_retries_total", map[string]string{"backend": "s3://bucket"}))
	assert.Equal(t, 1.0, value(t, reg, "fscache_backend_multipart_uploads_total", map[string]string{"status": "completed"}))
	assert.Equal(t, 0.0, value(t, reg, "fscache_circuit_breaker_state", map[string]string{"backend": "s3://bucket"}))

	fail := errors.New(errors.ErrCodeSourceUnavailable, "down")
	_ = br.Execute(context.Background(), func(context.Context) error { return fail })
	_ = br.Execute(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, 1.0, value(t, reg, "fscache_circuit_breaker_state", map[string]string{"backend": "s3://bucket"}))
	assert.Equal(t, 1.0, value(t, reg, "fscache_circuit_breaker_rejected_total", map[string]string{"backend": "s3://bucket"}))
}

func TestRouter(t *testing.T) {
	c, _ := newWatchedCollector(t)
	c.RecordOperation("cat", time.Millisecond, 100, nil)

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `fscache_cache_hits_total{cache="store"} 3`)

	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"healthy"`)

	code, body = get("/debug/stats")
	assert.Equal(t, http.StatusOK, code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, 2, snap.OpenHandles)
	assert.EqualValues(t, 1, snap.Corruptions)
	require.NotNil(t, snap.Store)
	assert.EqualValues(t, 3, snap.Store.Hits)
	assert.Equal(t, "CLOSED", snap.Backends["s3://bucket"].Breaker)
	assert.EqualValues(t, 7, snap.Backends["s3://bucket"].Requests)
	assert.EqualValues(t, 1, snap.Operations["cat"].Count)

	code, body = get("/debug/operations")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "cat"), body)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	c, err := NewCollector(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	addr := c.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Empty(t, c.Addr())
	require.NoError(t, c.Stop(ctx))

	bad := DefaultConfig()
	bad.Addr = "256.0.0.1:bad"
	c, err = NewCollector(bad, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background()), errors.ErrInvalidConfig)
}

func TestHealthFollowsBreakers(t *testing.T) {
	c, br := newWatchedCollector(t)
	handler := c.Router()

	check := func() (int, HealthReport) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var report HealthReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		return rec.Code, report
	}

	code, report := check()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", report.Status.String())

	_ = br.Execute(context.Background(), func(context.Context) error {
		return errors.New(errors.ErrCodeSourceUnavailable, "down")
	})
	code, report = check()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "s3://bucket", report.Components[0].Name)
	assert.Contains(t, report.Components[0].LastError, "OPEN")

	br.Reset()
	code, _ = check()
	assert.Equal(t, http.StatusOK, code)

	// caller errors leave the operation healthy
	c.RecordOperation("cat", time.Millisecond, 0, errors.New(errors.ErrCodeNotFound, "missing"))
	assert.Equal(t, "healthy", c.Health().GetState("cat").String())
}
