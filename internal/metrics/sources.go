package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/objectfs/fscache/internal/circuit"
	"github.com/objectfs/fscache/pkg/types"
)

// sourceCollector reads the watched sources at scrape time.
type sourceCollector struct {
	c *Collector

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheFetches   *prometheus.Desc
	cacheFetched   *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheSize      *prometheus.Desc
	cacheCapacity  *prometheus.Desc
	corruptions    *prometheus.Desc
	openHandles    *prometheus.Desc

	backendRequests   *prometheus.Desc
	backendErrors     *prometheus.Desc
	backendRetries    *prometheus.Desc
	backendDownloaded *prometheus.Desc
	backendUploaded   *prometheus.Desc
	backendMultipart  *prometheus.Desc
	breakerState      *prometheus.Desc
	breakerRejected   *prometheus.Desc
}

func newSourceCollector(c *Collector) *sourceCollector {
	ns, labels := c.config.Namespace, prometheus.Labels(c.config.Labels)
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, variable, labels)
	}
	return &sourceCollector{
		c: c,

		cacheHits:      desc("cache_hits_total", "Cache lookups served locally", "cache"),
		cacheMisses:    desc("cache_misses_total", "Cache lookups that went to the source", "cache"),
		cacheEvictions: desc("cache_evictions_total", "Entries evicted from the cache", "cache"),
		cacheFetches:   desc("cache_fetches_total", "Fetches issued to the source", "cache"),
		cacheFetched:   desc("cache_fetched_bytes_total", "Bytes fetched from the source", "cache"),
		cacheEntries:   desc("cache_entries", "Entries currently held", "cache"),
		cacheSize:      desc("cache_size_bytes", "Bytes currently held", "cache"),
		cacheCapacity:  desc("cache_capacity_bytes", "Configured byte budget", "cache"),
		corruptions:    desc("store_corruptions_total", "Cached copies that failed verification"),
		openHandles:    desc("open_handles", "File handles not yet closed"),

		backendRequests:   desc("backend_requests_total", "Requests sent to the backend", "backend"),
		backendErrors:     desc("backend_errors_total", "Backend requests that failed", "backend"),
		backendRetries:    desc("backend_retries_total", "Backend requests retried", "backend"),
		backendDownloaded: desc("backend_downloaded_bytes_total", "Bytes read from the backend", "backend"),
		backendUploaded:   desc("backend_uploaded_bytes_total", "Bytes written to the backend", "backend"),
		backendMultipart:  desc("backend_multipart_uploads_total", "Multipart uploads by outcome", "backend", "status"),
		breakerState:      desc("circuit_breaker_state", "Circuit breaker state: 0 closed, 1 open, 2 half-open", "backend"),
		breakerRejected:   desc("circuit_breaker_rejected_total", "Requests rejected by an open breaker", "backend"),
	}
}

func (s *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		s.cacheHits, s.cacheMisses, s.cacheEvictions, s.cacheFetches, s.cacheFetched,
		s.cacheEntries, s.cacheSize, s.cacheCapacity, s.corruptions, s.openHandles,
		s.backendRequests, s.backendErrors, s.backendRetries, s.backendDownloaded,
		s.backendUploaded, s.backendMultipart, s.breakerState, s.breakerRejected,
	} {
		ch <- d
	}
}

func (s *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	s.c.mu.RLock()
	store, handles := s.c.store, s.c.handles
	backends := make(map[string]BackendSource, len(s.c.backends))
	for k, v := range s.c.backends {
		backends[k] = v
	}
	s.c.mu.RUnlock()

	if store != nil {
		s.collectCache(ch, "store", store.Stats(), prometheus.CounterValue)
		ch <- prometheus.MustNewConstMetric(s.corruptions, prometheus.CounterValue, float64(store.Corruptions()))
	}
	if handles != nil {
		// handle counters vanish when a handle closes, so they are gauges
		s.collectCache(ch, "handles", handles.HandleStats(), prometheus.GaugeValue)
		ch <- prometheus.MustNewConstMetric(s.openHandles, prometheus.GaugeValue, float64(handles.OpenHandles()))
	}
	for name, b := range backends {
		s.collectBackend(ch, name, b)
	}
}

func (s *sourceCollector) collectCache(ch chan<- prometheus.Metric, name string, st types.CacheStats, vt prometheus.ValueType) {
	ch <- prometheus.MustNewConstMetric(s.cacheHits, vt, float64(st.Hits), name)
	ch <- prometheus.MustNewConstMetric(s.cacheMisses, vt, float64(st.Misses), name)
	ch <- prometheus.MustNewConstMetric(s.cacheEvictions, vt, float64(st.Evictions), name)
	ch <- prometheus.MustNewConstMetric(s.cacheFetches, vt, float64(st.FetchCalls), name)
	ch <- prometheus.MustNewConstMetric(s.cacheFetched, vt, float64(st.BytesFetched), name)
	ch <- prometheus.MustNewConstMetric(s.cacheEntries, prometheus.GaugeValue, float64(st.Entries), name)
	ch <- prometheus.MustNewConstMetric(s.cacheSize, prometheus.GaugeValue, float64(st.Size), name)
	ch <- prometheus.MustNewConstMetric(s.cacheCapacity, prometheus.GaugeValue, float64(st.Capacity), name)
}

func (s *sourceCollector) collectBackend(ch chan<- prometheus.Metric, name string, b BackendSource) {
	m := b.GetMetrics()
	ch <- prometheus.MustNewConstMetric(s.backendRequests, prometheus.CounterValue, float64(m.Requests), name)
	ch <- prometheus.MustNewConstMetric(s.backendErrors, prometheus.CounterValue, float64(m.Errors), name)
	ch <- prometheus.MustNewConstMetric(s.backendRetries, prometheus.CounterValue, float64(m.Retries), name)
	ch <- prometheus.MustNewConstMetric(s.backendDownloaded, prometheus.CounterValue, float64(m.BytesDownloaded), name)
	ch <- prometheus.MustNewConstMetric(s.backendUploaded, prometheus.CounterValue, float64(m.BytesUploaded), name)
	ch <- prometheus.MustNewConstMetric(s.backendMultipart, prometheus.CounterValue, float64(m.MultipartUploadsCompleted), name, "completed")
	ch <- prometheus.MustNewConstMetric(s.backendMultipart, prometheus.CounterValue, float64(m.MultipartUploadsFailed), name, "failed")

	br := b.Breaker()
	if br == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(s.breakerState, prometheus.GaugeValue, breakerValue(br.State()), name)
	ch <- prometheus.MustNewConstMetric(s.breakerRejected, prometheus.CounterValue, float64(br.Rejected()), name)
}

func breakerValue(st circuit.State) float64 {
	switch st {
	case circuit.StateOpen:
		return 1
	case circuit.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
