package s3

import (
	"time"

	"go.uber.org/atomic"
)

// BackendMetrics is a snapshot of S3 backend counters.
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	Retries         int64         `json:"retries"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	// Multipart upload metrics
	MultipartUploads          int64 `json:"multipart_uploads"`
	MultipartUploadsParts     int64 `json:"multipart_uploads_parts"`
	MultipartUploadsCompleted int64 `json:"multipart_uploads_completed"`
	MultipartUploadsFailed    int64 `json:"multipart_uploads_failed"`
	MultipartBytes            int64 `json:"multipart_bytes"`
}

// ErrorRate returns Errors / Requests.
func (m BackendMetrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}

// MultipartSuccessRate returns the percentage of finished multipart uploads
// that completed. With none finished it reports 100.
func (m BackendMetrics) MultipartSuccessRate() float64 {
	total := m.MultipartUploadsCompleted + m.MultipartUploadsFailed
	if total == 0 {
		return 100
	}
	return float64(m.MultipartUploadsCompleted) / float64(total) * 100
}

// MetricsCollector accumulates backend counters without locking.
type MetricsCollector struct {
	requests        atomic.Int64
	errors          atomic.Int64
	retries         atomic.Int64
	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	latency         atomic.Duration
	lastError       atomic.String
	lastErrorTime   atomic.Time

	multipartUploads   atomic.Int64
	multipartParts     atomic.Int64
	multipartCompleted atomic.Int64
	multipartFailed    atomic.Int64
	multipartBytes     atomic.Int64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records one logical request, retries included.
func (mc *MetricsCollector) RecordRequest(duration time.Duration, err error) {
	mc.requests.Inc()
	mc.latency.Add(duration)
	if err != nil {
		mc.errors.Inc()
		mc.lastError.Store(err.Error())
		mc.lastErrorTime.Store(time.Now())
	}
}

func (mc *MetricsCollector) RecordRetry() { mc.retries.Inc() }

func (mc *MetricsCollector) RecordBytesUploaded(n int64) { mc.bytesUploaded.Add(n) }

func (mc *MetricsCollector) RecordBytesDownloaded(n int64) { mc.bytesDownloaded.Add(n) }

func (mc *MetricsCollector) RecordMultipartUploadStart() { mc.multipartUploads.Inc() }

func (mc *MetricsCollector) RecordMultipartUploadPart(size int64) {
	mc.multipartParts.Inc()
	mc.multipartBytes.Add(size)
}

func (mc *MetricsCollector) RecordMultipartUploadComplete() { mc.multipartCompleted.Inc() }

func (mc *MetricsCollector) RecordMultipartUploadFailed() { mc.multipartFailed.Inc() }

// GetMetrics returns a snapshot of the counters.
func (mc *MetricsCollector) GetMetrics() BackendMetrics {
	m := BackendMetrics{
		Requests:                  mc.requests.Load(),
		Errors:                    mc.errors.Load(),
		Retries:                   mc.retries.Load(),
		BytesUploaded:             mc.bytesUploaded.Load(),
		BytesDownloaded:           mc.bytesDownloaded.Load(),
		LastError:                 mc.lastError.Load(),
		LastErrorTime:             mc.lastErrorTime.Load(),
		MultipartUploads:          mc.multipartUploads.Load(),
		MultipartUploadsParts:     mc.multipartParts.Load(),
		MultipartUploadsCompleted: mc.multipartCompleted.Load(),
		MultipartUploadsFailed:    mc.multipartFailed.Load(),
		MultipartBytes:            mc.multipartBytes.Load(),
	}
	if m.Requests > 0 {
		m.AverageLatency = mc.latency.Load() / time.Duration(m.Requests)
	}
	return m
}
