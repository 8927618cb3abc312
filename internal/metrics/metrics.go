// Package metrics exposes Prometheus metrics for the capture pipeline.
// Everything is promauto-registered on the default registry and served
// by the exporters package.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	captureCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "glowgrab",
		Subsystem: "capture",
		Name:      "cycles_total",
		Help:      "Capture cycles by outcome (success, partial, fatal)",
	}, []string{"outcome"})

	captureCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "glowgrab",
		Subsystem: "capture",
		Name:      "cycle_seconds",
		Help:      "Wall time of one capture cycle",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "glowgrab",
		Subsystem: "sink",
		Name:      "frames_sent_total",
		Help:      "Frames delivered to the sink",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "glowgrab",
		Subsystem: "sink",
		Name:      "frames_dropped_total",
		Help:      "Frames evicted from the send queue before delivery",
	})

	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowgrab",
		Subsystem: "sink",
		Name:      "connection_state",
		Help:      "Connection state (0=disconnected 1=connecting 2=connected 3=backoff 4=fallback)",
	})

	sinkConnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "glowgrab",
		Subsystem: "sink",
		Name:      "connects_total",
		Help:      "Successful sink connections including reconnects",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowgrab",
		Subsystem: "sink",
		Name:      "queue_depth",
		Help:      "Frames waiting in the send queue",
	})

	openResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "glowgrab",
		Subsystem: "tracker",
		Name:      "open_resources",
		Help:      "Currently tracked kernel resources by kind",
	}, []string{"kind"})

	leakedResources = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "glowgrab",
		Subsystem: "tracker",
		Name:      "leaks_total",
		Help:      "Resources that exceeded the leak horizon",
	})

	anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "glowgrab",
		Subsystem: "sysmon",
		Name:      "anomalies_total",
		Help:      "System anomalies by kind",
	}, []string{"kind"})

	memoryUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowgrab",
		Subsystem: "sysmon",
		Name:      "memory_used_percent",
		Help:      "System memory in use",
	})
)

// ObserveCaptureCycle records one finished capture cycle.
func ObserveCaptureCycle(outcome string, d time.Duration) {
	captureCycles.WithLabelValues(outcome).Inc()
	captureCycleSeconds.Observe(d.Seconds())
}

// IncFrameSent counts a frame delivered to the sink.
func IncFrameSent() {
	framesSent.Inc()
}

// IncFrameDropped counts a frame evicted before delivery.
func IncFrameDropped() {
	framesDropped.Inc()
}

// SetConnectionState publishes the sink state machine position.
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

// IncSinkConnect counts a completed registration handshake.
func IncSinkConnect() {
	sinkConnects.Inc()
}

// SetQueueDepth publishes the send queue occupancy.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// SetOpenResources publishes the tracked resource count for one kind.
func SetOpenResources(kind string, count int) {
	openResources.WithLabelValues(kind).Set(float64(count))
}

// AddLeaks counts resources flagged by a leak check.
func AddLeaks(count int) {
	leakedResources.Add(float64(count))
}

// IncAnomaly counts one observed system anomaly.
func IncAnomaly(kind string) {
	anomalies.WithLabelValues(kind).Inc()
}

// SetMemoryUsedPercent publishes the sampled memory usage.
func SetMemoryUsedPercent(pct float64) {
	memoryUsedPercent.Set(pct)
}
