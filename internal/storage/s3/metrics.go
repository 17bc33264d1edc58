package s3

import (
	"sync"
	"time"
)

// BackendMetrics tracks S3 backend performance metrics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	// Optimized (cargoship) upload metrics
	OptimizedUploads int64 `json:"optimized_uploads"`
	FallbackEvents   int64 `json:"fallback_events"`

	ObjectsSwept int64 `json:"objects_swept"`
}

// MetricsCollector handles metrics collection and aggregation for S3 backend
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordMetrics records operation metrics with duration and error status
func (mc *MetricsCollector) RecordMetrics(duration time.Duration, isError bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if isError {
		mc.metrics.Errors++
	}

	// Rolling average latency
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// RecordError records an error occurrence
func (mc *MetricsCollector) RecordError(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.LastError = err.Error()
	mc.metrics.LastErrorTime = time.Now()
}

func (mc *MetricsCollector) RecordBytesUploaded(n int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.BytesUploaded += n
}

func (mc *MetricsCollector) RecordBytesDownloaded(n int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.BytesDownloaded += n
}

// RecordOptimizedUpload counts an upload that went through cargoship.
func (mc *MetricsCollector) RecordOptimizedUpload() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.OptimizedUploads++
}

// RecordFallbackEvent counts an optimized upload that fell back to the upload manager.
func (mc *MetricsCollector) RecordFallbackEvent() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.FallbackEvents++
}

func (mc *MetricsCollector) RecordSwept(n int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.ObjectsSwept += int64(n)
}

// GetMetrics returns a copy of the current metrics
func (mc *MetricsCollector) GetMetrics() BackendMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// GetErrorRate returns the error rate as a percentage
func (mc *MetricsCollector) GetErrorRate() float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.metrics.Requests == 0 {
		return 0
	}
	return float64(mc.metrics.Errors) / float64(mc.metrics.Requests) * 100
}
