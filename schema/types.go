// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package schema defines the records shared across the ingest pipeline and
// the persistence layer: normalized events, in-memory clusters, persisted
// incidents, alerts and audit entries.
package schema

import (
	"time"
)

// Severity represents user-impact level of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IncidentStatus represents lifecycle progression. Transitions form a DAG:
// open -> ack -> closed, never backwards.
type IncidentStatus string

const (
	StatusOpen   IncidentStatus = "open"
	StatusAck    IncidentStatus = "ack"
	StatusClosed IncidentStatus = "closed"
)

// AlertAction is the response recorded on an alert.
type AlertAction string

const (
	ActionBlock   AlertAction = "block"
	ActionNotify  AlertAction = "notify"
	ActionIsolate AlertAction = "isolate"
)

// ParseSeverity converts a wire string to a Severity, defaulting to low.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseStatus converts a wire string to an IncidentStatus, reporting whether
// the input named a known status.
func ParseStatus(s string) (IncidentStatus, bool) {
	switch s {
	case "open":
		return StatusOpen, true
	case "ack":
		return StatusAck, true
	case "closed":
		return StatusClosed, true
	default:
		return StatusOpen, false
	}
}

// SeverityRank orders severities for comparison (critical highest).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ValidTransition reports whether moving an incident from one status to
// another respects the open -> ack -> closed DAG.
func ValidTransition(from, to IncidentStatus) bool {
	switch from {
	case StatusOpen:
		return to == StatusAck || to == StatusClosed
	case StatusAck:
		return to == StatusClosed
	default:
		return false
	}
}

// Event is a normalized security observation. Once emitted by the normalizer
// it is immutable except for ClusterID and IncidentID, which are each set
// exactly once by the clusterer and correlator respectively.
type Event struct {
	TS          time.Time      `bson:"ts" json:"ts"`
	Source      string         `bson:"source" json:"source"` // fw, ids, app, ...
	Host        string         `bson:"host" json:"host"`
	TraceID     string         `bson:"trace_id" json:"trace_id"`
	Fingerprint string         `bson:"fingerprint" json:"fingerprint"`
	Features    map[string]any `bson:"features" json:"features"` // verb, proto, dport, outcome, ip, user, bytes
	ClusterID   string         `bson:"cluster_id,omitempty" json:"cluster_id,omitempty"`
	IncidentID  string         `bson:"incident_id,omitempty" json:"incident_id,omitempty"`
}

// FeatureString returns the named feature as a string, if present.
func (e *Event) FeatureString(key string) (string, bool) {
	v, ok := e.Features[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FeatureInt returns the named feature as an int, coercing the numeric types
// a JSON or BSON decode can produce.
func (e *Event) FeatureInt(key string) (int, bool) {
	v, ok := e.Features[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Cluster is a running group of similar events. Clusters live only in the
// clusterer's memory and are garbage-collected once idle past the window.
type Cluster struct {
	ID          string
	Fingerprint string
	Centroid    map[string]any
	LastUpdated time.Time
	EventCount  int
}

// Incident is a persisted, entity-anchored aggregation of clusters.
type Incident struct {
	ID          string             `bson:"_id" json:"id"`
	Status      IncidentStatus     `bson:"status" json:"status"`
	Title       string             `bson:"title" json:"title"`
	Severity    Severity           `bson:"severity" json:"severity"`
	Entity      map[string]string  `bson:"entity" json:"entity"` // ip and/or host
	ClusterIDs  []string           `bson:"cluster_ids" json:"cluster_ids"`
	Scores      map[string]float64 `bson:"scores" json:"scores"` // anomaly, confidence
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updated_at"`
	LastEventTS time.Time          `bson:"last_event_ts" json:"last_event_ts"`
}

// EntityKey returns the identity the correlator groups on: the entity IP when
// present, otherwise the host.
func (i *Incident) EntityKey() string {
	if ip, ok := i.Entity["ip"]; ok && ip != "" {
		return ip
	}
	return i.Entity["host"]
}

// Alert records a response triggered by an incident.
type Alert struct {
	IncidentID string      `bson:"incident_id" json:"incident_id"`
	TS         time.Time   `bson:"ts" json:"ts"`
	Action     AlertAction `bson:"action" json:"action"`
	Reason     string      `bson:"reason" json:"reason"`
	Result     string      `bson:"result" json:"result"` // success, failed
}

// AuditEntry is an immutable trail record of an operator or system action.
type AuditEntry struct {
	TS         time.Time      `bson:"ts" json:"ts"`
	Actor      string         `bson:"actor" json:"actor"`
	Action     string         `bson:"action" json:"action"`
	IncidentID string         `bson:"incident_id" json:"incident_id"`
	Before     map[string]any `bson:"before" json:"before"`
	After      map[string]any `bson:"after" json:"after"`
}

// MetricPoint is a single measurement flushed to the metrics collection.
type MetricPoint struct {
	TS     time.Time         `bson:"ts" json:"ts"`
	Name   string            `bson:"name" json:"name"`
	Value  float64           `bson:"value" json:"value"`
	Labels map[string]string `bson:"labels,omitempty" json:"labels,omitempty"`
}
