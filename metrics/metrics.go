// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics exposes Prometheus instrumentation for the pipeline and
// its servers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors registered by the process.
type Metrics struct {
	EventsIngested   prometheus.Counter
	EventsDropped    prometheus.Counter
	BatchesTotal     prometheus.Counter
	BatchDuration    prometheus.Histogram
	ActiveClusters   prometheus.Gauge
	IncidentsTotal   *prometheus.CounterVec // created|updated
	AlertsTotal      *prometheus.CounterVec // by severity
	Notifications    prometheus.Counter
	WSConnections    prometheus.Gauge
	IngestRejected   *prometheus.CounterVec // by reason
	PersistFailures  prometheus.Counter
	StreamReconnects prometheus.Counter
}

// New registers all collectors on the given registerer (or the default one
// when nil) and returns them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "corrsight_events_ingested_total",
			Help: "Normalized events accepted into the pipeline",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "corrsight_events_dropped_total",
			Help: "Raw items dropped during normalization",
		}),
		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "corrsight_batches_total",
			Help: "Ingest batches processed",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "corrsight_batch_duration_seconds",
			Help:    "Wall time spent processing one ingest batch",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveClusters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corrsight_active_clusters",
			Help: "Clusters currently inside the activity window",
		}),
		IncidentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corrsight_incidents_total",
			Help: "Incidents created or updated by the correlator",
		}, []string{"op"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corrsight_alerts_total",
			Help: "Alerts raised, by incident severity",
		}, []string{"severity"}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "corrsight_notifications_total",
			Help: "Change-stream notifications fanned out",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corrsight_ws_connections",
			Help: "Open WebSocket fan-out connections",
		}),
		IngestRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corrsight_ingest_rejected_total",
			Help: "Ingest requests rejected before the pipeline",
		}, []string{"reason"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "corrsight_persist_failures_total",
			Help: "Persistence writes that failed after retries",
		}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "corrsight_changestream_reconnects_total",
			Help: "Change-stream sessions reopened after an error",
		}),
	}
}
