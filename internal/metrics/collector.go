package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
)

// Object outcomes recorded by RecordObject.
const (
	OutcomeTransferred = "transferred"
	OutcomeVerified    = "verified"
	OutcomeCopySkipped = "copy_skipped"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
)

// Collector exports sync engine metrics to Prometheus and keeps a per
// storage operation summary for the debug endpoint.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *logger.Logger

	objectCounter     *prometheus.CounterVec
	bytesCounter      prometheus.Counter
	retryCounter      prometheus.Counter
	storageCounter    *prometheus.CounterVec
	storageDuration   *prometheus.HistogramVec
	transferDuration  prometheus.Histogram
	activeTransfers   prometheus.Gauge
	queueDepth        prometheus.Gauge
	storageErrorCount *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled" env:"ENABLED"`
	Port      int               `yaml:"port" env:"PORT"`
	Path      string            `yaml:"path" env:"PATH"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace" env:"NAMESPACE"`
	Subsystem string            `yaml:"subsystem" env:"SUBSYSTEM"`
}

// DefaultConfig serves /metrics on port 9090 under the objectsync namespace.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "objectsync",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for one backend operation.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector. A nil config takes the
// defaults; a disabled one yields a collector whose methods do nothing.
func NewCollector(config *Config, log *logger.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	if !config.Enabled {
		return &Collector{config: config, logger: log}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     log.WithField("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c != nil && c.config.Enabled }

// Registry returns the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint on its own port until Stop or ctx is
// done. The control API mounts Handler instead when it is running.
func (c *Collector) Start(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(shutdown)
	}()

	c.logger.Info().Int("port", c.config.Port).Str("path", c.config.Path).Msg("metrics server started")
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// ObserveStorage records one storage call. backend is "role:name".
func (c *Collector) ObserveStorage(backend, op string, d time.Duration, err error) {
	if !c.Enabled() {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}

	c.mu.Lock()
	key := backend + "/" + op
	m, ok := c.operations[key]
	if !ok {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += d
	if status == "error" {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	c.storageCounter.With(prometheus.Labels{"backend": backend, "operation": op, "status": status}).Inc()
	c.storageDuration.With(prometheus.Labels{"backend": backend, "operation": op}).Observe(d.Seconds())
	if status == "error" {
		c.storageErrorCount.With(prometheus.Labels{"backend": backend, "type": classifyError(err)}).Inc()
	}
}

// RecordObject counts an object reaching outcome. bytes are added to the
// transferred total for transferred and verified objects only.
func (c *Collector) RecordObject(outcome string, bytes int64, d time.Duration) {
	if !c.Enabled() {
		return
	}
	c.objectCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
	switch outcome {
	case OutcomeTransferred, OutcomeVerified:
		if bytes > 0 {
			c.bytesCounter.Add(float64(bytes))
		}
		c.transferDuration.Observe(d.Seconds())
	}
}

// RecordRetry counts one re-queued attempt.
func (c *Collector) RecordRetry() {
	if !c.Enabled() {
		return
	}
	c.retryCounter.Inc()
}

// SetActiveTransfers updates the busy transfer worker gauge.
func (c *Collector) SetActiveTransfers(n int64) {
	if !c.Enabled() {
		return
	}
	c.activeTransfers.Set(float64(n))
}

// SetQueueDepth updates the transfer queue gauge.
func (c *Collector) SetQueueDepth(n int) {
	if !c.Enabled() {
		return
	}
	c.queueDepth.Set(float64(n))
}

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
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics clears the operation summary. Prometheus series are kept.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.objectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("objects_total", "Objects processed by outcome")),
		[]string{"outcome"},
	)
	c.bytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts(opts("bytes_transferred_total", "Bytes written to the target")),
	)
	c.retryCounter = prometheus.NewCounter(
		prometheus.CounterOpts(opts("retries_total", "Object attempts re-queued after a transient failure")),
	)
	c.storageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("storage_operations_total", "Storage plugin calls")),
		[]string{"backend", "operation", "status"},
	)
	c.storageErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("storage_errors_total", "Failed storage plugin calls by error type")),
		[]string{"backend", "type"},
	)

	durations := opts("storage_operation_duration_seconds", "Duration of storage plugin calls")
	c.storageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   durations.Namespace,
			Subsystem:   durations.Subsystem,
			Name:        durations.Name,
			Help:        durations.Help,
			ConstLabels: durations.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"backend", "operation"},
	)
	transfers := opts("transfer_duration_seconds", "Time from dequeue to a successful outcome")
	c.transferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   transfers.Namespace,
			Subsystem:   transfers.Subsystem,
			Name:        transfers.Name,
			Help:        transfers.Help,
			ConstLabels: transfers.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 16),
		},
	)

	c.activeTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("active_transfers", "Transfer workers currently processing an object")),
	)
	c.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("queue_depth", "Objects waiting in the transfer queue")),
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.objectCounter,
		c.bytesCounter,
		c.retryCounter,
		c.storageCounter,
		c.storageErrorCount,
		c.storageDuration,
		c.transferDuration,
		c.activeTransfers,
		c.queueDepth,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError maps an error to a low-cardinality label.
func classifyError(err error) string {
	se, ok := errors.As(err)
	if !ok {
		return "other"
	}
	switch se.Code {
	case errors.ErrCodeConnectionTimeout:
		return "timeout"
	case errors.ErrCodeConnectionFailed, errors.ErrCodeNetworkError:
		return "connection"
	case errors.ErrCodeAccessDenied:
		return "permission"
	case errors.ErrCodeThrottled:
		return "throttling"
	case errors.ErrCodeCircuitOpen:
		return "circuit_open"
	}
	return string(se.Category)
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"objectsync-metrics"}`)) // Ignore write error for health check
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	// Helper to avoid errcheck issues
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Storage Operations Summary\n")
	writef("==========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-32s %10s %10s %12s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	writef("%-32s %10s %10s %12s %10s\n", "---------", "-----", "------", "------------", "-------")

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := c.operations[name]
		writef("%-32s %10d %10d %12v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}
