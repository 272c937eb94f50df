// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package correlate

import (
	"fmt"
	"testing"
	"time"

	"corrsight/schema"
)

func denyEvent(ts time.Time, ip string, n int) schema.Event {
	return schema.Event{
		TS:          ts,
		Source:      "fw",
		Host:        "edge-01",
		TraceID:     fmt.Sprintf("%016d", n),
		Fingerprint: "aabb001122334455",
		ClusterID:   "clu_0000aabb",
		Features: map[string]any{
			"ip":      ip,
			"verb":    "deny",
			"outcome": "block",
		},
	}
}

func TestCreateIncidentForNewEntity(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	events := []schema.Event{denyEvent(now, "10.0.0.7", 1), denyEvent(now.Add(time.Second), "10.0.0.7", 2)}
	affected := e.CorrelateEvents(events, incidents)

	if len(affected) != 1 {
		t.Fatalf("Expected 1 affected incident, got %d", len(affected))
	}
	inc := incidents[affected[0]]
	if inc == nil {
		t.Fatal("Incident not stored in map")
	}
	if inc.Status != schema.StatusOpen {
		t.Errorf("New incidents must open, got %s", inc.Status)
	}
	if inc.Entity["ip"] != "10.0.0.7" || inc.Entity["host"] != "edge-01" {
		t.Errorf("Wrong entity: %v", inc.Entity)
	}
	if inc.Scores["anomaly"] != 0.85 || inc.Scores["confidence"] != 0.80 {
		t.Errorf("Wrong default scores: %v", inc.Scores)
	}
	if len(inc.ClusterIDs) != 1 || inc.ClusterIDs[0] != "clu_0000aabb" {
		t.Errorf("Wrong cluster IDs: %v", inc.ClusterIDs)
	}
	if !inc.LastEventTS.Equal(now.Add(time.Second)) {
		t.Errorf("LastEventTS should be the group's last event, got %v", inc.LastEventTS)
	}
}

func TestJoinOpenIncidentForSameEntity(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	first := e.CorrelateEvents([]schema.Event{denyEvent(now, "10.0.0.7", 1)}, incidents)
	second := e.CorrelateEvents([]schema.Event{denyEvent(now.Add(time.Minute), "10.0.0.7", 2)}, incidents)

	if first[0] != second[0] {
		t.Errorf("Same entity should join the open incident: %s vs %s", first[0], second[0])
	}
	if len(incidents) != 1 {
		t.Errorf("Expected 1 incident, got %d", len(incidents))
	}
}

func TestSeparateIncidentsPerEntity(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	events := []schema.Event{
		denyEvent(now, "10.0.0.7", 1),
		denyEvent(now, "203.0.113.9", 2),
	}
	affected := e.CorrelateEvents(events, incidents)

	if len(affected) != 2 {
		t.Fatalf("Expected 2 incidents, got %d", len(affected))
	}
	if affected[0] == affected[1] {
		t.Error("Different entities must map to different incidents")
	}
}

func TestEntityFallsBackToHost(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}

	evt := denyEvent(time.Now(), "", 1)
	delete(evt.Features, "ip")

	affected := e.CorrelateEvents([]schema.Event{evt}, incidents)
	inc := incidents[affected[0]]

	if inc.EntityKey() != "edge-01" {
		t.Errorf("Entity should fall back to host, got %s", inc.EntityKey())
	}
	if _, ok := inc.Entity["ip"]; ok {
		t.Error("Entity must not carry an empty ip")
	}
}

func TestClosedIncidentNotReused(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	first := e.CorrelateEvents([]schema.Event{denyEvent(now, "10.0.0.7", 1)}, incidents)
	incidents[first[0]].Status = schema.StatusClosed

	second := e.CorrelateEvents([]schema.Event{denyEvent(now.Add(time.Minute), "10.0.0.7", 2)}, incidents)

	if first[0] == second[0] {
		t.Error("Closed incidents must not accumulate new events")
	}
	if len(incidents) != 2 {
		t.Errorf("Expected a fresh incident, got %d total", len(incidents))
	}
}

func TestEventsStampedWithIncidentID(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	events := []schema.Event{denyEvent(now, "10.0.0.7", 1), denyEvent(now, "10.0.0.7", 2)}
	affected := e.CorrelateEvents(events, incidents)

	for i, evt := range events {
		if evt.IncidentID != affected[0] {
			t.Errorf("Event %d not stamped: %q", i, evt.IncidentID)
		}
	}

	// An already-stamped event pins its group to that incident.
	stale := denyEvent(now.Add(time.Second), "10.0.0.7", 3)
	stale.IncidentID = affected[0]
	incidents[affected[0]].Status = schema.StatusClosed

	again := e.CorrelateEvents([]schema.Event{stale}, incidents)
	if again[0] != affected[0] {
		t.Errorf("Carried incident ID should win over open-incident search: %s", again[0])
	}
}

func TestDanglingIncidentIDStartsFresh(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	// An event can arrive stamped with an incident ID nobody tracks anymore,
	// e.g. replayed from storage after a restart. It must correlate like any
	// other event instead of crashing.
	stale := denyEvent(now, "10.0.0.7", 1)
	stale.IncidentID = "inc_gone"

	affected := e.CorrelateEvents([]schema.Event{stale}, incidents)

	if len(affected) != 1 {
		t.Fatalf("Expected 1 affected incident, got %d", len(affected))
	}
	if affected[0] == "inc_gone" {
		t.Error("Untracked incident ID must not be resurrected")
	}
	inc := incidents[affected[0]]
	if inc == nil {
		t.Fatal("Fresh incident not stored in map")
	}
	if inc.Status != schema.StatusOpen {
		t.Errorf("Fresh incident should open, got %s", inc.Status)
	}
}

func TestDanglingIncidentIDJoinsOpenIncident(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	first := e.CorrelateEvents([]schema.Event{denyEvent(now, "10.0.0.7", 1)}, incidents)

	stale := denyEvent(now.Add(time.Second), "10.0.0.7", 2)
	stale.IncidentID = "inc_gone"
	second := e.CorrelateEvents([]schema.Event{stale}, incidents)

	if second[0] != first[0] {
		t.Errorf("Dangling ID should fall back to the entity's open incident: %s vs %s",
			second[0], first[0])
	}
}

func TestLastEventTSMonotonic(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	first := e.CorrelateEvents([]schema.Event{denyEvent(now, "10.0.0.7", 1)}, incidents)
	inc := incidents[first[0]]
	wasTS := inc.LastEventTS

	// An out-of-order older event must not rewind the watermark.
	e.CorrelateEvents([]schema.Event{denyEvent(now.Add(-time.Hour), "10.0.0.7", 2)}, incidents)

	if inc.LastEventTS.Before(wasTS) {
		t.Errorf("LastEventTS went backwards: %v -> %v", wasTS, inc.LastEventTS)
	}
}

func TestClusterIDUnionPreservesOrder(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	a := denyEvent(now, "10.0.0.7", 1)
	a.ClusterID = "clu_aaaaaaaa"
	first := e.CorrelateEvents([]schema.Event{a}, incidents)

	b := denyEvent(now.Add(time.Second), "10.0.0.7", 2)
	b.ClusterID = "clu_bbbbbbbb"
	c := denyEvent(now.Add(2*time.Second), "10.0.0.7", 3)
	c.ClusterID = "clu_aaaaaaaa"
	e.CorrelateEvents([]schema.Event{b, c}, incidents)

	inc := incidents[first[0]]
	want := []string{"clu_aaaaaaaa", "clu_bbbbbbbb"}
	if len(inc.ClusterIDs) != len(want) {
		t.Fatalf("Wrong cluster ID union: %v", inc.ClusterIDs)
	}
	for i, id := range want {
		if inc.ClusterIDs[i] != id {
			t.Errorf("Cluster ID %d = %s, want %s", i, inc.ClusterIDs[i], id)
		}
	}
}

func TestDeriveTitleRules(t *testing.T) {
	now := time.Now()

	makeGroup := func(verb, source string, count int) []schema.Event {
		group := make([]schema.Event, count)
		for i := range group {
			evt := denyEvent(now, "10.0.0.7", i)
			evt.Source = source
			if verb == "" {
				delete(evt.Features, "verb")
			} else {
				evt.Features["verb"] = verb
			}
			group[i] = evt
		}
		return group
	}

	tests := []struct {
		name  string
		group []schema.Event
		want  string
	}{
		{"brute force", makeGroup("auth", "app", 5), "SSH brute force attempt"},
		{"auth below threshold", makeGroup("auth", "app", 4), "auth on app"},
		{"denials", makeGroup("deny", "fw", 3), "Repeated access denials"},
		{"exfil", makeGroup("exfil", "ids", 1), "Data exfiltration detected"},
		{"no verb", makeGroup("", "app", 2), "activity on app"},
		{"generic verb", makeGroup("upload", "ids", 2), "upload on ids"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveTitle(tt.group); got != tt.want {
				t.Errorf("deriveTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetermineSeverityLadder(t *testing.T) {
	now := time.Now()

	build := func(verb, outcome string, count int) []schema.Event {
		group := make([]schema.Event, count)
		for i := range group {
			group[i] = schema.Event{
				TS:       now,
				Source:   "fw",
				Host:     "h",
				Features: map[string]any{"verb": verb, "outcome": outcome},
			}
		}
		return group
	}

	tests := []struct {
		name  string
		group []schema.Event
		want  schema.Severity
	}{
		{"exfil is critical", build("exfil", "alert", 1), schema.SeverityCritical},
		{"upload is critical", build("upload", "alert", 1), schema.SeverityCritical},
		{"malware is critical", build("malware", "alert", 1), schema.SeverityCritical},
		{"10 denies high", build("deny", "deny", 10), schema.SeverityHigh},
		{"10 fails high", build("auth", "fail", 10), schema.SeverityHigh},
		{"5 denies medium", build("deny", "block", 5), schema.SeverityMedium},
		{"4 denies low", build("deny", "block", 4), schema.SeverityLow},
		{"quiet group low", build("read", "ok", 3), schema.SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineSeverity(tt.group); got != tt.want {
				t.Errorf("DetermineSeverity = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBruteForceScenarioGoesHigh(t *testing.T) {
	e := New(DefaultConfig())
	incidents := map[string]*schema.Incident{}
	now := time.Now()

	group := make([]schema.Event, 12)
	for i := range group {
		evt := denyEvent(now.Add(time.Duration(i)*time.Second), "203.0.113.9", i)
		evt.Source = "app"
		evt.Features["verb"] = "auth"
		evt.Features["outcome"] = "fail"
		group[i] = evt
	}

	affected := e.CorrelateEvents(group, incidents)
	inc := incidents[affected[0]]

	if inc.Severity != schema.SeverityHigh {
		t.Errorf("12 auth failures should be high, got %s", inc.Severity)
	}
	if inc.Title != "SSH brute force attempt" {
		t.Errorf("Wrong title: %q", inc.Title)
	}
}
