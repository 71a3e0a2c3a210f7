// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy
// engine: connection counters, pipeline pool gauges and mux session
// gauges, exposable in Prometheus text format via promhttp.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Metrics holds the engine's Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	InboundConnections  *prometheus.GaugeVec
	InboundAccepted     *prometheus.CounterVec
	OutboundConnections prometheus.Counter
	OutboundConnectTime prometheus.Histogram
	DiscardedDataSize   prometheus.Counter

	PipelinesAllocated *prometheus.GaugeVec
	PipelinesInUse     *prometheus.GaugeVec
	PipelinesPooled    *prometheus.GaugeVec

	MuxSessions prometheus.Gauge
	MuxStreams  prometheus.Gauge
}

// New creates a Metrics instance on a fresh registry. The namespace
// defaults to "pipy" when empty.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pipy"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		InboundConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inbound_connections",
				Help:      "Number of currently open inbound connections",
			},
			[]string{"port"},
		),
		InboundAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_accepted_total",
				Help:      "Total accepted inbound connections",
			},
			[]string{"port"},
		),
		OutboundConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_connections_total",
				Help:      "Total established outbound connections",
			},
		),
		OutboundConnectTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbound_connect_seconds",
				Help:      "Time to establish outbound connections",
				Buckets:   prometheus.DefBuckets,
			},
		),
		DiscardedDataSize: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discarded_data_bytes_total",
				Help:      "Bytes dropped by overflowed write buffers",
			},
		),
		PipelinesAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipelines_allocated",
				Help:      "Pipelines ever cloned per layout",
			},
			[]string{"layout"},
		),
		PipelinesInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipelines_in_use",
				Help:      "Pipelines currently attached to event sources",
			},
			[]string{"layout"},
		),
		PipelinesPooled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipelines_pooled",
				Help:      "Pipelines idle on layout free lists",
			},
			[]string{"layout"},
		),
		MuxSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mux_sessions",
				Help:      "Open mux sessions",
			},
		),
		MuxStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mux_streams",
				Help:      "Open mux streams",
			},
		),
	}
	return m
}

// InboundOpened records an accepted connection on port.
func (m *Metrics) InboundOpened(port int) {
	p := strconv.Itoa(port)
	m.InboundConnections.WithLabelValues(p).Inc()
	m.InboundAccepted.WithLabelValues(p).Inc()
}

// InboundClosed records a closed inbound connection on port.
func (m *Metrics) InboundClosed(port int) {
	m.InboundConnections.WithLabelValues(strconv.Itoa(port)).Dec()
}

// OutboundConnected records an established outbound connection.
func (m *Metrics) OutboundConnected(d time.Duration) {
	m.OutboundConnections.Inc()
	m.OutboundConnectTime.Observe(d.Seconds())
}

// DiscardedBytes tallies bytes dropped by a full write buffer.
func (m *Metrics) DiscardedBytes(n int) {
	m.DiscardedDataSize.Add(float64(n))
}

// CollectPipelines refreshes the pool gauges from the live layouts.
func (m *Metrics) CollectPipelines() {
	for _, l := range pipeline.Layouts() {
		name := l.Name()
		if name == "" {
			name = strconv.FormatUint(l.Index(), 10)
		}
		m.PipelinesAllocated.WithLabelValues(name).Set(float64(l.Allocated()))
		m.PipelinesInUse.WithLabelValues(name).Set(float64(l.InUse()))
		m.PipelinesPooled.WithLabelValues(name).Set(float64(l.Pooled()))
	}
}

// Handler returns the Prometheus text exposition endpoint, refreshing the
// pipeline pool gauges on each scrape.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.CollectPipelines()
		inner.ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
