// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Client connection metrics
	ActiveConnections prometheus.Gauge
	TotalConnections  *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec

	// Backend request metrics
	BackendRequestsTotal *prometheus.CounterVec
	BackendDuration      *prometheus.HistogramVec
	BackendTimeouts      *prometheus.CounterVec

	// Step flow control metrics
	StepsDelivered prometheus.Counter
	StepsCoalesced prometheus.Counter

	// Auth metrics
	AuthFailures *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedFrames prometheus.Counter
}

// New returns the process-wide Metrics instance. Collectors register on
// the default Prometheus registry, which rejects duplicates, so the
// first call builds the instance and later calls return it unchanged.
func New(namespace string) *Metrics {
	once.Do(func() {
		instance = newMetrics(namespace)
	})
	return instance
}

func newMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "streamgate"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open client connections",
			},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections",
			},
			[]string{"status"},
		),
		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of client frames processed",
			},
			[]string{"type", "direction"},
		),
		BackendRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of backend requests",
			},
			[]string{"service", "status"},
		),
		BackendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_duration_seconds",
				Help:      "Backend request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		BackendTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_timeouts_total",
				Help:      "Total number of backend request timeouts",
			},
			[]string{"service"},
		),
		StepsDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_delivered_total",
				Help:      "Total number of machine steps delivered to clients",
			},
		),
		StepsCoalesced: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_coalesced_total",
				Help:      "Total number of machine steps coalesced while awaiting confirmation",
			},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of authorization failures",
			},
			[]string{"action"},
		),
		RateLimitedFrames: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_frames_total",
				Help:      "Total number of rate limited client frames",
			},
		),
	}
}

// ObserveBackendRequest tracks one correlated backend request.
func (m *Metrics) ObserveBackendRequest(service string, f func() error) error {
	start := time.Now()
	err := f()
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(service, status).Inc()
	m.BackendDuration.WithLabelValues(service).Observe(duration)

	return err
}
