// Package metrics declares the relayer's prometheus collectors and serves
// them over a private listener.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/moltrade/relayer/internal/log"
)

var (
	// PrivateMetrics holds every collector, the go process ones included.
	PrivateMetrics = prometheus.NewRegistry()

	// EventsProcessed counts events forwarded downstream.
	EventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Number of events forwarded to the downstream channel",
	})
	// DuplicatesFiltered counts events dropped by the deduplication engine.
	DuplicatesFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicates_filtered_total",
		Help: "Number of duplicate events dropped before routing",
	})
	// EventsInQueue tracks the size of the router's pending buffer.
	EventsInQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "events_in_queue",
		Help: "Events buffered and waiting for the next batch flush",
	})
	// ActiveConnections tracks upstream relay connections in a live state.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Number of upstream relay connections currently subscribed",
	})
	// MemoryUsage is the resident set size of the process in KiB.
	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_kib",
		Help: "Resident memory of the relayer process in KiB",
	})
	// ProcessingLatency observes how long a batch flush takes.
	ProcessingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "processing_latency_seconds",
		Help:    "Histogram of batch flush latencies",
		Buckets: prometheus.DefBuckets,
	})
	// FanoutDropped counts push messages dropped because the sink was full.
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_dropped_total",
		Help: "Number of fanout push messages dropped on a full sink",
	})

	metricsBound = false
)

func bindMetrics() {
	if metricsBound {
		return
	}
	metricsBound = true

	PrivateMetrics.MustRegister(prometheus.NewGoCollector())
	PrivateMetrics.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	relayer := []prometheus.Collector{
		EventsProcessed,
		DuplicatesFiltered,
		EventsInQueue,
		ActiveConnections,
		MemoryUsage,
		ProcessingLatency,
		FanoutDropped,
	}
	for _, c := range relayer {
		PrivateMetrics.MustRegister(c)
	}
}

// Handler returns the scrape handler for the relayer registry.
func Handler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{})
}

// Start starts a prometheus metrics server on the given bind address and
// returns the listener so callers can close it on shutdown.
func Start(l log.Logger, metricsBind string) net.Listener {
	bindMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	listener, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("", "metrics", "listen failed", "bind", metricsBind, "err", err)
		return nil
	}
	l.Debugw("", "metrics", "private listener started", "at", metricsBind)
	go func() {
		_ = http.Serve(listener, mux)
	}()
	return listener
}

// SummaryValues reports the headline counters for the JSON admin endpoints.
type SummaryValues struct {
	EventsProcessed    float64 `json:"events_processed_total"`
	DuplicatesFiltered float64 `json:"duplicates_filtered_total"`
	EventsInQueue      float64 `json:"events_in_queue"`
	ActiveConnections  float64 `json:"active_connections"`
	MemoryUsageMB      float64 `json:"memory_usage_mb"`
}

// Summary snapshots the current counter and gauge values.
func Summary() SummaryValues {
	return SummaryValues{
		EventsProcessed:    value(EventsProcessed),
		DuplicatesFiltered: value(DuplicatesFiltered),
		EventsInQueue:      value(EventsInQueue),
		ActiveConnections:  value(ActiveConnections),
		MemoryUsageMB:      MemoryUsageMB(),
	}
}

// MemoryUsageMB converts the KiB gauge for the human-facing endpoints.
func MemoryUsageMB() float64 {
	return value(MemoryUsage) / 1024.0
}

func value(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	if c := out.GetCounter(); c != nil {
		return c.GetValue()
	}
	if g := out.GetGauge(); g != nil {
		return g.GetValue()
	}
	return 0
}
