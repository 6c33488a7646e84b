package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/fscache/internal/circuit"
	"github.com/objectfs/fscache/internal/storage/s3"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/health"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// StoreSource is a persistent cache whose statistics are exported.
type StoreSource interface {
	Stats() types.CacheStats
	Corruptions() uint64
}

// HandleSource reports the in-memory caches of open file handles.
type HandleSource interface {
	HandleStats() types.CacheStats
	OpenHandles() int
}

// BackendSource is a remote backend with request counters and an
// optional circuit breaker.
type BackendSource interface {
	GetMetrics() s3.BackendMetrics
	Breaker() *circuit.Breaker
}

// Collector exports cache, handle and backend statistics to Prometheus and
// tracks per-operation counters for the debug endpoints.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	store    StoreSource
	handles  HandleSource
	backends map[string]BackendSource
	health   *health.Tracker

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Addr      string            `yaml:"addr"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Addr:      ":9100",
		Path:      "/metrics",
		Namespace: "fscache",
	}
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

// NewCollector creates a new metrics collector. A disabled collector
// accepts every call and records nothing.
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Collector{
		config:     config,
		logger:     utils.OrDefault(logger).With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		backends:   make(map[string]BackendSource),
		health:     health.NewTracker(health.Config{Logger: logger}),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}
	if c.config.Path == "" {
		c.config.Path = "/metrics"
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	for _, m := range []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		newSourceCollector(c),
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

// Registry returns the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// WatchStore exports the statistics of a persistent cache.
func (c *Collector) WatchStore(s StoreSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = s
}

// WatchHandles exports the aggregate statistics of open handles.
func (c *Collector) WatchHandles(h HandleSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = h
}

// WatchBackend exports the counters of a backend under name. Watching the
// same name again replaces the earlier backend.
func (c *Collector) WatchBackend(name string, b BackendSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[name] = b
}

// Start serves Router on the configured address until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", c.config.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "metrics listener").
			WithComponent("metrics").
			WithContext("addr", c.config.Addr)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Router(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := c.server
	c.mu.Unlock()

	c.logger.Info("serving metrics", "addr", ln.Addr().String(), "path", c.config.Path)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the server listens on, "" before Start.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP handler for the metrics and debug endpoints.
func (c *Collector) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	if c.registry != nil {
		mux.Method(http.MethodGet, c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.Get("/health", c.healthHandler)
	mux.Get("/debug/stats", c.debugStatsHandler)
	mux.Get("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Health returns the tracker fed by RecordOperation and the watched
// breakers.
func (c *Collector) Health() *health.Tracker { return c.health }

// RecordOperation records one call of operation. err is nil on success.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, err error) {
	c.health.Record(operation, err)
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if err != nil {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.WithLabelValues(operation, errorType(err)).Inc()
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// errorType labels an error by its code.
func errorType(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "other"
}

// GetOperations returns a copy of the per-operation counters.
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation counters. Prometheus counters are
// monotonic and keep their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// BackendSnapshot is the debug view of one backend.
type BackendSnapshot struct {
	s3.BackendMetrics
	Breaker         string `json:"breaker,omitempty"`
	BreakerRejected uint64 `json:"breaker_rejected,omitempty"`
}

// Snapshot is the document served on /debug/stats.
type Snapshot struct {
	Uptime      string                      `json:"uptime"`
	Store       *types.CacheStats           `json:"store,omitempty"`
	Corruptions uint64                      `json:"corruptions"`
	Handles     *types.CacheStats           `json:"handles,omitempty"`
	OpenHandles int                         `json:"open_handles"`
	Backends    map[string]BackendSnapshot  `json:"backends,omitempty"`
	Operations  map[string]OperationMetrics `json:"operations"`
}

// Snapshot gathers the current statistics of every watched source.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	store, handles := c.store, c.handles
	backends := make(map[string]BackendSource, len(c.backends))
	for k, v := range c.backends {
		backends[k] = v
	}
	uptime := time.Since(c.lastReset)
	c.mu.RUnlock()

	snap := Snapshot{
		Uptime:     uptime.Round(time.Second).String(),
		Operations: c.GetOperations(),
	}
	if store != nil {
		s := store.Stats()
		snap.Store, snap.Corruptions = &s, store.Corruptions()
	}
	if handles != nil {
		s := handles.HandleStats()
		snap.Handles, snap.OpenHandles = &s, handles.OpenHandles()
	}
	if len(backends) > 0 {
		snap.Backends = make(map[string]BackendSnapshot, len(backends))
		for name, b := range backends {
			bs := BackendSnapshot{BackendMetrics: b.GetMetrics()}
			if br := b.Breaker(); br != nil {
				bs.Breaker, bs.BreakerRejected = br.State().String(), br.Rejected()
			}
			snap.Backends[name] = bs
		}
	}
	return snap
}

func (c *Collector) initMetrics() {
	ns, labels := c.config.Namespace, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "operations_total",
			Help:        "Total number of filesystem operations",
			ConstLabels: labels,
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "operation_duration_seconds",
			Help:        "Duration of filesystem operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "operation_size_bytes",
			Help:        "Bytes moved by filesystem operations",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 20), // 1KB to ~1GB
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "errors_total",
			Help:        "Failed filesystem operations by error code",
			ConstLabels: labels,
		},
		[]string{"operation", "code"},
	)
}

// HTTP handlers

// HealthReport is the document served on /health.
type HealthReport struct {
	Status     health.State             `json:"status"`
	Service    string                   `json:"service"`
	Components []health.ComponentHealth `json:"components,omitempty"`
}

// CheckHealth folds the breaker states of watched backends into the
// tracker and reports the result.
func (c *Collector) CheckHealth() HealthReport {
	c.mu.RLock()
	backends := make(map[string]BackendSource, len(c.backends))
	for k, v := range c.backends {
		backends[k] = v
	}
	c.mu.RUnlock()

	for name, b := range backends {
		br := b.Breaker()
		if br == nil {
			continue
		}
		switch st := br.State(); st {
		case circuit.StateOpen:
			c.health.SetState(name, health.StateUnavailable, "circuit breaker is "+st.String())
		case circuit.StateHalfOpen:
			c.health.SetState(name, health.StateDegraded, "circuit breaker is "+st.String())
		default:
			c.health.SetState(name, health.StateHealthy, "")
		}
	}
	return HealthReport{
		Status:     c.health.Overall(),
		Service:    "fscache",
		Components: c.health.Components(),
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := c.CheckHealth()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		c.logger.Warn("failed to encode health report", "error", err)
	}
}

func (c *Collector) debugStatsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Snapshot()); err != nil {
		c.logger.Warn("failed to encode stats", "error", err)
	}
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()
	ops := c.GetOperations()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("fscache operations\n")
	writef("==================\n\n")
	writef("Uptime: %v\n", time.Since(lastReset).Round(time.Second))
	writef("Last Reset: %v\n\n", lastReset.Format(time.RFC3339))

	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-20s %10s %10s %12s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	for _, name := range names {
		op := ops[name]
		writef("%-20s %10d %10d %12v %12s %10s\n",
			name, op.Count, op.Errors, op.AvgDuration,
			utils.FormatBytes(int64(op.AvgSize)), op.LastOperation.Format("15:04:05"))
	}
}
