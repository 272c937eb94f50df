// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"corrsight/cluster"
	"corrsight/correlate"
	"corrsight/schema"
)

func newTestPipeline() *Pipeline {
	return New(cluster.DefaultConfig(), correlate.DefaultConfig(), nil, nil, nil, zap.NewNop())
}

func rawBatch(t *testing.T, items ...map[string]any) []json.RawMessage {
	t.Helper()
	batch := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		batch = append(batch, data)
	}
	return batch
}

func denyPayload(ts time.Time, ip string) map[string]any {
	return map[string]any{
		"ts":      ts.Format(time.RFC3339),
		"source":  "fw",
		"host":    "edge-01",
		"entity":  map[string]any{"ip": ip},
		"verb":    "deny",
		"object":  map[string]any{"proto": "tcp", "dport": 22},
		"outcome": "block",
	}
}

func TestProcessEndToEnd(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	items := make([]map[string]any, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, denyPayload(now.Add(time.Duration(i)*time.Second), "10.0.0.7"))
	}

	result, err := p.Process(context.Background(), rawBatch(t, items...))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Accepted != 6 || result.Rejected != 0 {
		t.Errorf("Result = %d/%d, want 6/0", result.Accepted, result.Rejected)
	}
	if len(result.Incidents) != 1 {
		t.Fatalf("Expected 1 affected incident, got %d", len(result.Incidents))
	}

	inc, ok := p.Incident(result.Incidents[0])
	if !ok {
		t.Fatal("Incident missing from working set")
	}
	if inc.Status != schema.StatusOpen {
		t.Errorf("New incident should be open, got %s", inc.Status)
	}
	if inc.Severity != schema.SeverityMedium {
		t.Errorf("6 denies should be medium, got %s", inc.Severity)
	}
	if inc.Entity["ip"] != "10.0.0.7" {
		t.Errorf("Wrong entity: %v", inc.Entity)
	}
	if len(inc.ClusterIDs) != 1 {
		t.Errorf("Expected a single cluster, got %v", inc.ClusterIDs)
	}
}

func TestProcessAccumulatesAcrossBatches(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	first, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now, "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now.Add(time.Minute), "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}

	if first.Incidents[0] != second.Incidents[0] {
		t.Errorf("Same entity should keep one incident: %s vs %s",
			first.Incidents[0], second.Incidents[0])
	}
	if p.IncidentCount() != 1 {
		t.Errorf("Expected 1 incident, got %d", p.IncidentCount())
	}
}

func TestProcessToleratesMalformedItems(t *testing.T) {
	p := newTestPipeline()

	batch := rawBatch(t, denyPayload(time.Now(), "10.0.0.7"))
	batch = append(batch, json.RawMessage(`{{{`))

	result, err := p.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("Malformed items must not fail the batch: %v", err)
	}
	if result.Accepted != 2 {
		t.Errorf("Accepted should count the raw batch, got %d", result.Accepted)
	}
	if len(result.Incidents) != 1 {
		t.Errorf("Valid item should still correlate, got %d incidents", len(result.Incidents))
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	p := newTestPipeline()

	result, err := p.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("Empty batch must succeed: %v", err)
	}
	if result.Accepted != 0 || len(result.Incidents) != 0 {
		t.Errorf("Empty batch should touch nothing: %+v", result)
	}
}

func TestProcessSeparateEntities(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	items := []map[string]any{}
	for i := 0; i < 3; i++ {
		items = append(items, denyPayload(now, fmt.Sprintf("10.0.0.%d", i+1)))
	}

	result, err := p.Process(context.Background(), rawBatch(t, items...))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Incidents) != 3 {
		t.Errorf("Expected 3 incidents, got %d", len(result.Incidents))
	}
	if p.IncidentCount() != 3 {
		t.Errorf("Working set should hold 3 incidents, got %d", p.IncidentCount())
	}
}

func TestScenarioSSHBruteForce(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	items := make([]map[string]any, 0, 15)
	for i := 0; i < 15; i++ {
		items = append(items, denyPayload(now.Add(time.Duration(i)*time.Second), "10.0.0.7"))
	}

	result, err := p.Process(context.Background(), rawBatch(t, items...))
	if err != nil {
		t.Fatal(err)
	}

	inc, _ := p.Incident(result.Incidents[0])
	if inc.Severity != schema.SeverityHigh {
		t.Errorf("15 denies should be high, got %s", inc.Severity)
	}
	if inc.Title != "Repeated access denials" {
		t.Errorf("Wrong title: %q", inc.Title)
	}
	if len(inc.ClusterIDs) != 1 {
		t.Errorf("Identical events should form one cluster, got %v", inc.ClusterIDs)
	}
}

func TestScenarioAppAuthFailures(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	items := make([]map[string]any, 0, 8)
	for i := 0; i < 8; i++ {
		items = append(items, map[string]any{
			"ts":      now.Add(time.Duration(i) * 5 * time.Second).Format(time.RFC3339),
			"source":  "app",
			"host":    "web-02",
			"entity":  map[string]any{"ip": "203.0.113.9"},
			"verb":    "auth",
			"object":  map[string]any{"user": "alice"},
			"outcome": "fail",
		})
	}

	result, err := p.Process(context.Background(), rawBatch(t, items...))
	if err != nil {
		t.Fatal(err)
	}

	inc, _ := p.Incident(result.Incidents[0])
	if inc.Severity != schema.SeverityMedium {
		t.Errorf("8 auth failures should be medium, got %s", inc.Severity)
	}
	if inc.Title != "SSH brute force attempt" {
		t.Errorf("Wrong title: %q", inc.Title)
	}
}

func TestScenarioAnomalousUpload(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	items := make([]map[string]any, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, map[string]any{
			"ts":      now.Add(time.Duration(i) * 3 * time.Second).Format(time.RFC3339),
			"source":  "ids",
			"host":    "sensor-03",
			"entity":  map[string]any{"ip": "192.168.1.50"},
			"verb":    "upload",
			"object":  map[string]any{"proto": "https", "dport": 443, "bytes": 10485760},
			"outcome": "alert",
		})
	}

	result, err := p.Process(context.Background(), rawBatch(t, items...))
	if err != nil {
		t.Fatal(err)
	}

	inc, _ := p.Incident(result.Incidents[0])
	if inc.Severity != schema.SeverityCritical {
		t.Errorf("Uploads should be critical, got %s", inc.Severity)
	}
	// Title rules treat upload as a generic verb; only exfil gets the
	// dedicated exfiltration title.
	if inc.Title != "upload on ids" {
		t.Errorf("Wrong title: %q", inc.Title)
	}
}

func TestScenarioMixedEntitiesStayDisjoint(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	items := make([]map[string]any, 0, 10)
	for i := 0; i < 5; i++ {
		items = append(items, denyPayload(now.Add(time.Duration(2*i)*time.Second), "10.0.0.7"))
		items = append(items, denyPayload(now.Add(time.Duration(2*i+1)*time.Second), "10.0.0.8"))
	}

	result, err := p.Process(context.Background(), rawBatch(t, items...))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Incidents) != 2 {
		t.Fatalf("Expected 2 incidents, got %d", len(result.Incidents))
	}

	a, _ := p.Incident(result.Incidents[0])
	b, _ := p.Incident(result.Incidents[1])
	for _, id := range a.ClusterIDs {
		for _, other := range b.ClusterIDs {
			if id == other {
				t.Errorf("Cluster %s appears in both incidents", id)
			}
		}
	}
}

func TestSetStatusStopsResurrection(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	first, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now, "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}
	id := first.Incidents[0]

	// Operator closes the incident out of band; the working set must follow,
	// or the next batch would match the stale open copy and persist it back.
	p.SetStatus(id, schema.StatusClosed)

	if inc, ok := p.Incident(id); ok && inc.Status != schema.StatusClosed {
		t.Errorf("Working set still shows %s after close", inc.Status)
	}

	second, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now.Add(time.Minute), "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}
	if second.Incidents[0] == id {
		t.Error("Closed incident must not collect new events")
	}
	if inc, ok := p.Incident(id); ok && inc.Status != schema.StatusClosed {
		t.Errorf("Next batch reverted the status to %s", inc.Status)
	}
}

func TestSetStatusUnknownIDIsNoop(t *testing.T) {
	p := newTestPipeline()
	p.SetStatus("inc_missing", schema.StatusAck)
	if p.IncidentCount() != 0 {
		t.Errorf("Unknown ID must not add an entry, got %d", p.IncidentCount())
	}
}

func TestIdleIncidentsPruned(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	first, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now, "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}

	// Jump past the correlation window; the idle incident should be evicted
	// when the next batch arrives.
	p.now = func() time.Time { return now.Add(p.window + time.Minute) }

	second, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now.Add(p.window+time.Minute), "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}

	if second.Incidents[0] == first.Incidents[0] {
		t.Error("Idle incident past the window should not accumulate")
	}
	if p.IncidentCount() != 1 {
		t.Errorf("Working set should only hold the fresh incident, got %d", p.IncidentCount())
	}
}

func TestClosedIncidentsPruned(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()

	first, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now, "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}
	p.SetStatus(first.Incidents[0], schema.StatusClosed)

	if _, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(now.Add(time.Second), "10.0.0.8"))); err != nil {
		t.Fatal(err)
	}

	if _, ok := p.Incident(first.Incidents[0]); ok {
		t.Error("Closed incident should be evicted from the working set")
	}
	if p.IncidentCount() != 1 {
		t.Errorf("Expected only the fresh incident, got %d", p.IncidentCount())
	}
}

func TestIncidentReturnsCopy(t *testing.T) {
	p := newTestPipeline()

	result, err := p.Process(context.Background(),
		rawBatch(t, denyPayload(time.Now(), "10.0.0.7")))
	if err != nil {
		t.Fatal(err)
	}

	copy1, _ := p.Incident(result.Incidents[0])
	copy1.Status = schema.StatusClosed

	copy2, _ := p.Incident(result.Incidents[0])
	if copy2.Status != schema.StatusOpen {
		t.Error("Incident must return a copy, not the working-set pointer")
	}
}
