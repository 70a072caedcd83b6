package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/screening-backend/internal/platform/envutil"
	"github.com/yungbote/screening-backend/internal/platform/logger"
)

// Metrics holds the service's collectors. Every method is safe on a nil
// receiver so callers can use Current() without checking Enabled().
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	inference     *prometheus.CounterVec
	openRetries   prometheus.Counter
	persistFailed prometheus.Counter
	subscribers   prometheus.Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

func Current() *Metrics {
	return instance
}

// Init builds the process-wide metrics once. It returns nil when
// METRICS_ENABLED is off.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = NewMetrics()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

// NewMetrics returns an independent set of collectors on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_api_requests_total",
			Help: "API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screening_api_request_duration_seconds",
			Help:    "API request latency in seconds by method/route/status.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screening_api_inflight_requests",
			Help: "In-flight API requests.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_runs_total",
			Help: "Screenings dispatched by mode/domain/priority.",
		}, []string{"mode", "domain", "priority"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screening_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds by stage/status.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 90},
		}, []string{"stage", "status"}),
		inference: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_inference_total",
			Help: "Inference outcomes by result source and remote error kind.",
		}, []string{"source", "error_kind"}),
		openRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screening_inference_open_retries_total",
			Help: "Retried attempts to open the model stream.",
		}),
		persistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screening_result_persist_failures_total",
			Help: "Results that could not be written to the result store.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screening_pipeline_subscribers",
			Help: "Open pipeline event streams.",
		}),
	}
	reg.MustRegister(
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.runs, m.stageDuration, m.inference, m.openRetries, m.persistFailed, m.subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer exposes Handler on addr until ctx ends. An empty addr is a no-op.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = orUnknown(method)
	route = orUnknown(route)
	if status == "" {
		status = "0"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveRun(mode, domain, priority string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(orUnknown(mode), orUnknown(domain), orUnknown(priority)).Inc()
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(orUnknown(stage), orUnknown(status)).Observe(dur.Seconds())
}

// ObserveInference counts one finished inference stage. errorKind is empty
// when the remote answered.
func (m *Metrics) ObserveInference(source, errorKind string) {
	if m == nil {
		return
	}
	if errorKind == "" {
		errorKind = "none"
	}
	m.inference.WithLabelValues(orUnknown(source), errorKind).Inc()
}

func (m *Metrics) IncOpenRetry() {
	if m == nil {
		return
	}
	m.openRetries.Inc()
}

func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailed.Inc()
}

func (m *Metrics) SubscriberInc() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberDec() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

func parseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
