// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pipeline wires the processing stages end to end: raw batch ->
// normalizer -> clusterer -> correlator -> persistence. Stages run
// sequentially on the calling goroutine; a Pipeline serializes batches with
// its own mutex, so callers may share one instance across ingest sources.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"corrsight/alerts"
	"corrsight/cluster"
	"corrsight/correlate"
	"corrsight/metrics"
	"corrsight/normalize"
	"corrsight/schema"
	"corrsight/storage"
)

// persistRetries bounds retry attempts for a failed persistence write.
const persistRetries = 3

// Result summarizes one processed batch for the ingest response.
type Result struct {
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Incidents []string `json:"-"` // affected incident IDs
}

// Pipeline owns the stateful stages and the incident working set.
type Pipeline struct {
	mu         sync.Mutex
	normalizer *normalize.Normalizer
	clusterer  *cluster.Clusterer
	correlator *correlate.Engine
	store      *storage.Store
	alerter    *alerts.Manager
	metrics    *metrics.Metrics
	logger     *zap.Logger
	window     time.Duration
	now        func() time.Time

	// incidents is the correlator's working set, keyed by incident ID.
	incidents map[string]*schema.Incident
}

// New assembles a pipeline. store, alerter and metrics may be nil, in which
// case the corresponding side effects are skipped (used by tests and the
// seeder).
func New(clusterCfg cluster.Config, correlateCfg correlate.Config, store *storage.Store,
	alerter *alerts.Manager, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if correlateCfg.Window <= 0 {
		correlateCfg.Window = correlate.DefaultConfig().Window
	}
	return &Pipeline{
		normalizer: normalize.New(logger.Named("normalize")),
		clusterer:  cluster.New(clusterCfg, logger.Named("cluster")),
		correlator: correlate.New(correlateCfg),
		store:      store,
		alerter:    alerter,
		metrics:    m,
		logger:     logger,
		window:     correlateCfg.Window,
		now:        time.Now,
		incidents:  make(map[string]*schema.Incident),
	}
}

// Process runs one raw batch through every stage and persists the results.
// Dropped malformed items still count as accepted in the response; that
// imprecision is deliberate, robustness under noisy sources wins.
func (p *Pipeline) Process(ctx context.Context, raw []json.RawMessage) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()

	p.pruneIncidents(p.now())

	events := p.normalizer.NormalizeBatch(raw)
	dropped := len(raw) - len(events)

	p.clusterer.AssignClusters(events)

	known := make(map[string]struct{}, len(p.incidents))
	for id := range p.incidents {
		known[id] = struct{}{}
	}
	affected := p.correlator.CorrelateEvents(events, p.incidents)

	if err := p.persist(ctx, events, affected); err != nil {
		return Result{}, err
	}

	p.observe(len(raw), dropped, time.Since(start))
	p.observeIncidents(affected, known)
	p.raiseAlerts(ctx, affected)

	return Result{Accepted: len(raw), Rejected: 0, Incidents: affected}, nil
}

// pruneIncidents evicts incidents the correlator can no longer match: those
// no longer open, and open ones idle past the correlation window. Evicted
// incidents stay in MongoDB; only the in-memory working set shrinks.
func (p *Pipeline) pruneIncidents(now time.Time) {
	for id, inc := range p.incidents {
		if inc.Status != schema.StatusOpen || now.Sub(inc.UpdatedAt) > p.window {
			delete(p.incidents, id)
		}
	}
}

// SetStatus propagates an operator status transition into the working set so
// subsequent batches do not overwrite it with a stale copy. Unknown IDs are
// ignored; the store is the source of truth for persisted incidents.
func (p *Pipeline) SetStatus(id string, status schema.IncidentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inc, ok := p.incidents[id]; ok {
		inc.Status = status
		inc.UpdatedAt = p.now()
	}
}

// persist writes events and every touched incident, retrying transient
// failures with exponential backoff.
func (p *Pipeline) persist(ctx context.Context, events []schema.Event, affected []string) error {
	if p.store == nil {
		return nil
	}

	write := func(op func() error) error {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), persistRetries), ctx)
		return backoff.Retry(op, policy)
	}

	if err := write(func() error { return p.store.InsertEvents(ctx, events) }); err != nil {
		p.countPersistFailure()
		return err
	}

	seen := map[string]struct{}{}
	for _, id := range affected {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		inc, ok := p.incidents[id]
		if !ok {
			continue
		}
		if err := write(func() error { return p.store.UpsertIncident(ctx, inc) }); err != nil {
			p.countPersistFailure()
			return err
		}
	}
	return nil
}

// raiseAlerts hands high and critical incidents to the alert manager.
func (p *Pipeline) raiseAlerts(ctx context.Context, affected []string) {
	if p.alerter == nil {
		return
	}
	seen := map[string]struct{}{}
	for _, id := range affected {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if inc, ok := p.incidents[id]; ok {
			p.alerter.Evaluate(ctx, inc)
		}
	}
}

func (p *Pipeline) observe(total, dropped int, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.BatchesTotal.Inc()
	p.metrics.BatchDuration.Observe(elapsed.Seconds())
	p.metrics.EventsIngested.Add(float64(total - dropped))
	p.metrics.EventsDropped.Add(float64(dropped))
	p.metrics.ActiveClusters.Set(float64(p.clusterer.ActiveCount()))
}

// observeIncidents counts each touched incident as created or updated based
// on whether it existed before the batch.
func (p *Pipeline) observeIncidents(affected []string, known map[string]struct{}) {
	if p.metrics == nil {
		return
	}
	seen := map[string]struct{}{}
	for _, id := range affected {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, existed := known[id]; existed {
			p.metrics.IncidentsTotal.WithLabelValues("updated").Inc()
		} else {
			p.metrics.IncidentsTotal.WithLabelValues("created").Inc()
		}
	}
}

func (p *Pipeline) countPersistFailure() {
	if p.metrics != nil {
		p.metrics.PersistFailures.Inc()
	}
}

// RunSnapshots periodically flushes gauge snapshots to the metrics time
// series until the context is cancelled. Snapshot failures are logged and
// skipped; the loop never stops on its own.
func (p *Pipeline) RunSnapshots(ctx context.Context, interval time.Duration) {
	if p.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushSnapshot(ctx)
		}
	}
}

func (p *Pipeline) flushSnapshot(ctx context.Context) {
	p.mu.Lock()
	points := []schema.MetricPoint{
		{TS: time.Now(), Name: "active_clusters", Value: float64(p.clusterer.ActiveCount())},
		{TS: time.Now(), Name: "tracked_incidents", Value: float64(len(p.incidents))},
	}
	p.mu.Unlock()

	for i := range points {
		if err := p.store.InsertMetric(ctx, &points[i]); err != nil {
			p.logger.Warn("metric snapshot failed",
				zap.String("name", points[i].Name), zap.Error(err))
		}
	}
}

// Incident returns a copy of an incident from the working set, for tests and
// the seeder.
func (p *Pipeline) Incident(id string) (schema.Incident, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inc, ok := p.incidents[id]
	if !ok {
		return schema.Incident{}, false
	}
	return *inc, true
}

// IncidentCount reports the size of the correlator working set.
func (p *Pipeline) IncidentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.incidents)
}
