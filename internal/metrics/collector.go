package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/volatilevault/vault/pkg/errors"
)

// Collector implements metrics collection for transfers, sessions and reclamation
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationSize      *prometheus.HistogramVec
	activeSessions     *prometheus.GaugeVec
	closedSessions     *prometheus.CounterVec
	reclaimedSessions  *prometheus.CounterVec
	reclaimedFiles     *prometheus.CounterVec
	provisioningErrors *prometheus.CounterVec
	componentState     *prometheus.GaugeVec

	// Internal tracking
	operations map[string]*OperationMetrics
	traffic    *TrafficStats
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "vault",
			Labels:    make(map[string]string),
		}
	}

	collector := &Collector{
		config:     config,
		operations: make(map[string]*OperationMetrics),
		traffic:    NewTrafficStats(),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying Prometheus registry. Nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Exfil returns a recorder that labels everything with the given exfil name.
func (c *Collector) Exfil(name string) *ExfilRecorder {
	return &ExfilRecorder{c: c, exfil: name}
}

// RecordOperation records an operation that is not tied to an exfil.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	c.record("", operation, duration, size, success)
}

func (c *Collector) record(exfil, operation string, duration time.Duration, size int64, success bool) {
	c.mu.Lock()
	key := operation
	if exfil != "" {
		key = exfil + "/" + operation
	}
	m, exists := c.operations[key]
	if !exists {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.traffic.Record(exfil, operation, duration, size, success)

	if !c.config.Enabled {
		return
	}

	c.operationCounter.With(prometheus.Labels{
		"exfil":     exfil,
		"operation": operation,
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"exfil":     exfil,
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 && success {
		c.operationSize.With(prometheus.Labels{
			"exfil":     exfil,
			"operation": operation,
		}).Observe(float64(size))
	}
}

// SessionsReclaimed counts sessions removed by expiry.
func (c *Collector) SessionsReclaimed(exfil string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.reclaimedSessions.WithLabelValues(exfil).Add(float64(n))
}

// FilesReclaimed counts stored files removed by a retention sweep.
func (c *Collector) FilesReclaimed(storage string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.reclaimedFiles.WithLabelValues(storage).Add(float64(n))
}

// ProvisioningFailed counts a failed endpoint allocate or release.
func (c *Collector) ProvisioningFailed(provisioner, operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.provisioningErrors.With(prometheus.Labels{
		"provisioner": provisioner,
		"operation":   operation,
		"code":        classifyError(err),
	}).Inc()
}

// SetComponentState exports a health state as a numeric gauge.
func (c *Collector) SetComponentState(component string, state int) {
	if !c.config.Enabled {
		return
	}
	c.componentState.WithLabelValues(component).Set(float64(state))
}

// topExfils bounds the busiest-exfil list in GetMetrics.
const topExfils = 5

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}

	return map[string]interface{}{
		"operations": operations,
		"traffic":    c.traffic.Snapshot(),
		"summary":    c.traffic.Summary(),
		"top_exfils": c.traffic.Top(topExfils),
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset).String(),
	}
}

// Traffic returns the per-exfil traffic accounting.
func (c *Collector) Traffic() *TrafficStats {
	return c.traffic
}

// ResetMetrics resets the in-process summaries. Prometheus counters are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.traffic.Reset()
	c.lastReset = time.Now()
}

// ExfilRecorder is a Collector view scoped to one exfil. It satisfies the session manager's
// and the basic HTTP provider's recorder interfaces.
type ExfilRecorder struct {
	c     *Collector
	exfil string
}

// RecordOperation records one operation of the exfil.
func (r *ExfilRecorder) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	r.c.record(r.exfil, operation, duration, size, success)
}

// SessionOpened increments the active session gauge.
func (r *ExfilRecorder) SessionOpened(direction string) {
	r.c.traffic.SessionOpened(r.exfil)
	if !r.c.config.Enabled {
		return
	}
	r.c.activeSessions.WithLabelValues(r.exfil, direction).Inc()
}

// SessionClosed decrements the active session gauge and counts the close reason.
func (r *ExfilRecorder) SessionClosed(direction, reason string) {
	if !r.c.config.Enabled {
		return
	}
	r.c.activeSessions.WithLabelValues(r.exfil, direction).Dec()
	r.c.closedSessions.WithLabelValues(r.exfil, direction, reason).Inc()
}

// Helper methods

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operations_total",
			Help:        "Total number of transfer operations",
			ConstLabels: constLabels,
		},
		[]string{"exfil", "operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of transfer operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: constLabels,
		},
		[]string{"exfil", "operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_size_bytes",
			Help:        "Bytes moved by transfer operations",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 21), // 1KB to ~1GB
			ConstLabels: constLabels,
		},
		[]string{"exfil", "operation"},
	)

	c.activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "active_sessions",
			Help:        "Transfer sessions currently open",
			ConstLabels: constLabels,
		},
		[]string{"exfil", "direction"},
	)

	c.closedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "sessions_closed_total",
			Help:        "Transfer sessions closed, by reason",
			ConstLabels: constLabels,
		},
		[]string{"exfil", "direction", "reason"},
	)

	c.reclaimedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "reclaimed_sessions_total",
			Help:        "Sessions removed by expiry",
			ConstLabels: constLabels,
		},
		[]string{"exfil"},
	)

	c.reclaimedFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "reclaimed_files_total",
			Help:        "Stored files removed by retention sweeps",
			ConstLabels: constLabels,
		},
		[]string{"storage"},
	)

	c.provisioningErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "provisioning_errors_total",
			Help:        "Failed endpoint allocations and releases",
			ConstLabels: constLabels,
		},
		[]string{"provisioner", "operation", "code"},
	)

	c.componentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "component_state",
			Help:        "Component health: 0 healthy, 1 degraded, 2 read-only, 3 unavailable",
			ConstLabels: constLabels,
		},
		[]string{"component"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.activeSessions,
		c.closedSessions,
		c.reclaimedSessions,
		c.reclaimedFiles,
		c.provisioningErrors,
		c.componentState,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	return string(errors.CodeOf(err))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
