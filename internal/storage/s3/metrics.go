package s3

import (
	"io"
	"sync"
	"time"
)

// BackendMetrics tracks S3 backend request metrics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	// CargoShip uploads
	TransporterUploads   int64 `json:"transporter_uploads"`
	TransporterBytes     int64 `json:"transporter_bytes"`
	TransporterFallbacks int64 `json:"transporter_fallbacks"`
}

// MetricsCollector aggregates BackendMetrics for one backend.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records one request with its latency and outcome.
func (mc *MetricsCollector) RecordRequest(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// rolling average
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (mc *MetricsCollector) RecordBytesUploaded(bytes int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.BytesUploaded += bytes
}

func (mc *MetricsCollector) RecordBytesDownloaded(bytes int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.BytesDownloaded += bytes
}

// RecordTransporterUpload records a CargoShip upload. fellBack marks an
// upload that failed there and was retried with PutObject.
func (mc *MetricsCollector) RecordTransporterUpload(bytes int64, fellBack bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if fellBack {
		mc.metrics.TransporterFallbacks++
		return
	}
	mc.metrics.TransporterUploads++
	mc.metrics.TransporterBytes += bytes
}

// GetMetrics returns current backend metrics
func (mc *MetricsCollector) GetMetrics() BackendMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// GetErrorRate calculates the current error rate
func (mc *MetricsCollector) GetErrorRate() float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.metrics.Requests == 0 {
		return 0
	}
	return float64(mc.metrics.Errors) / float64(mc.metrics.Requests)
}

// countingReader reports bytes read from a GetObject body.
type countingReader struct {
	r  io.ReadCloser
	mc *MetricsCollector
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mc.RecordBytesDownloaded(int64(n))
	}
	return n, err
}

func (c *countingReader) Close() error { return c.r.Close() }
