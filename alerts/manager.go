// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package alerts turns high-impact incidents into persisted alert records
// and notifies registered subscribers.
package alerts

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"corrsight/metrics"
	"corrsight/schema"
	"corrsight/storage"
)

// Subscriber receives raised alerts.
type Subscriber interface {
	OnAlert(ctx context.Context, alert *schema.Alert) error
}

// Manager evaluates incidents and raises alerts for high and critical ones.
// One alert is raised per incident per severity level reached; re-evaluating
// an unchanged incident is a no-op.
type Manager struct {
	store   *storage.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	raised map[string]schema.Severity // incident ID -> highest alerted severity

	subMu       sync.RWMutex
	subscribers []Subscriber
}

// New creates an alert manager. store and metrics may be nil.
func New(store *storage.Store, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		metrics: m,
		logger:  logger,
		raised:  make(map[string]schema.Severity),
	}
}

// RegisterSubscriber adds an alert subscriber.
func (m *Manager) RegisterSubscriber(sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Evaluate raises an alert when the incident's severity is high or critical
// and exceeds anything already alerted for it.
func (m *Manager) Evaluate(ctx context.Context, inc *schema.Incident) {
	if schema.SeverityRank(inc.Severity) < schema.SeverityRank(schema.SeverityHigh) {
		return
	}

	m.mu.Lock()
	if prev, ok := m.raised[inc.ID]; ok && schema.SeverityRank(prev) >= schema.SeverityRank(inc.Severity) {
		m.mu.Unlock()
		return
	}
	m.raised[inc.ID] = inc.Severity
	m.mu.Unlock()

	alert := &schema.Alert{
		IncidentID: inc.ID,
		TS:         inc.UpdatedAt,
		Action:     actionFor(inc.Severity),
		Reason:     inc.Title,
		Result:     "success",
	}

	if m.store != nil {
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			alert.Result = "failed"
			m.logger.Error("persist alert failed",
				zap.String("incident_id", inc.ID), zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(string(inc.Severity)).Inc()
	}

	m.logger.Info("alert raised",
		zap.String("incident_id", inc.ID),
		zap.String("severity", string(inc.Severity)),
		zap.String("action", string(alert.Action)))

	m.notifySubscribers(ctx, alert)
}

func (m *Manager) notifySubscribers(ctx context.Context, alert *schema.Alert) {
	m.subMu.RLock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.RUnlock()

	for _, sub := range subs {
		if err := sub.OnAlert(ctx, alert); err != nil {
			m.logger.Error("subscriber notification failed",
				zap.String("incident_id", alert.IncidentID), zap.Error(err))
		}
	}
}

func actionFor(sev schema.Severity) schema.AlertAction {
	if sev == schema.SeverityCritical {
		return schema.ActionBlock
	}
	return schema.ActionNotify
}
