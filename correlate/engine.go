// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package correlate promotes clustered events into incidents. Events are
// grouped by entity (source IP, falling back to host) and each group either
// joins an open incident for that entity or creates a new one. The caller
// owns the incident map and must guarantee exclusive access for the duration
// of a call; the engine mutates it in place and returns affected IDs.
package correlate

import (
	"sort"
	"time"

	"corrsight/ids"
	"corrsight/schema"
)

// Default heuristic scores stamped on new incidents. Placeholder values until
// a learned model produces real ones.
const (
	defaultAnomalyScore    = 0.85
	defaultConfidenceScore = 0.80
)

// Config tunes correlation behavior. The window is informational; incident
// matching is driven entirely by entity and status.
type Config struct {
	Window time.Duration
}

// DefaultConfig returns the defaults used by the pipeline.
func DefaultConfig() Config {
	return Config{Window: 300 * time.Second}
}

// Engine correlates event groups into incidents.
type Engine struct {
	cfg Config
	now func() time.Time
}

// New creates a correlation engine.
func New(cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// CorrelateEvents groups events by entity key and attaches each group to an
// incident, creating one when no open incident exists for the entity. The
// returned slice holds the IDs of every incident touched, one per group, in
// sorted group-key order.
func (e *Engine) CorrelateEvents(events []schema.Event, incidents map[string]*schema.Incident) []string {
	groups := map[string][]int{}
	for i := range events {
		key := entityKey(&events[i])
		groups[key] = append(groups[key], i)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := e.now()
	affected := make([]string, 0, len(keys))

	for _, key := range keys {
		indexes := groups[key]
		if len(indexes) == 0 {
			continue
		}
		group := make([]schema.Event, 0, len(indexes))
		for _, i := range indexes {
			group = append(group, events[i])
		}

		incidentID, found := existingAssociation(group)
		if found {
			// A carried ID can point at an incident the caller no longer
			// tracks; treat it as unassociated rather than dereferencing a
			// missing entry.
			if _, tracked := incidents[incidentID]; !tracked {
				found = false
			}
		}
		if !found {
			incidentID, found = findOpenIncident(incidents, key)
		}

		if !found {
			incidentID = e.createIncident(incidents, group, now)
		} else {
			e.updateIncident(incidents[incidentID], group, now)
		}

		for _, i := range indexes {
			events[i].IncidentID = incidentID
		}
		affected = append(affected, incidentID)
	}

	return affected
}

// existingAssociation returns the incident ID already carried by any event in
// the group.
func existingAssociation(group []schema.Event) (string, bool) {
	for _, evt := range group {
		if evt.IncidentID != "" {
			return evt.IncidentID, true
		}
	}
	return "", false
}

// findOpenIncident scans incidents in sorted ID order for an open one whose
// entity matches the group key.
func findOpenIncident(incidents map[string]*schema.Incident, key string) (string, bool) {
	idList := make([]string, 0, len(incidents))
	for id := range incidents {
		idList = append(idList, id)
	}
	sort.Strings(idList)

	for _, id := range idList {
		inc := incidents[id]
		if inc.Status == schema.StatusOpen && inc.EntityKey() == key {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) createIncident(incidents map[string]*schema.Incident, group []schema.Event, now time.Time) string {
	first := group[0]
	last := group[len(group)-1]

	entity := map[string]string{"host": first.Host}
	if ip, ok := first.FeatureString("ip"); ok {
		entity["ip"] = ip
	}

	inc := &schema.Incident{
		ID:          ids.NewIncidentID(),
		Status:      schema.StatusOpen,
		Title:       deriveTitle(group),
		Severity:    DetermineSeverity(group),
		Entity:      entity,
		ClusterIDs:  collectClusterIDs(nil, group),
		Scores: map[string]float64{
			"anomaly":    defaultAnomalyScore,
			"confidence": defaultConfidenceScore,
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		LastEventTS: last.TS,
	}

	incidents[inc.ID] = inc
	return inc.ID
}

func (e *Engine) updateIncident(inc *schema.Incident, group []schema.Event, now time.Time) {
	inc.UpdatedAt = now
	last := group[len(group)-1]
	if last.TS.After(inc.LastEventTS) {
		inc.LastEventTS = last.TS
	}
	inc.ClusterIDs = collectClusterIDs(inc.ClusterIDs, group)
	// Severity reflects the current group only; rolling counters across the
	// incident's full history are a possible future refinement.
	inc.Severity = DetermineSeverity(group)
}

// collectClusterIDs unions the group's cluster IDs into the existing list,
// preserving prior order and appending unseen IDs in first-seen order.
func collectClusterIDs(existing []string, group []schema.Event) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+1)
	for _, id := range existing {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, evt := range group {
		if evt.ClusterID == "" {
			continue
		}
		if _, dup := seen[evt.ClusterID]; dup {
			continue
		}
		seen[evt.ClusterID] = struct{}{}
		out = append(out, evt.ClusterID)
	}
	return out
}

// entityKey is the identity events are grouped on: features.ip when present,
// otherwise the host.
func entityKey(evt *schema.Event) string {
	if ip, ok := evt.FeatureString("ip"); ok && ip != "" {
		return ip
	}
	return evt.Host
}

// deriveTitle tallies the group's verbs and maps the dominant one to a
// human title. Ties break toward the first-seen verb.
func deriveTitle(group []schema.Event) string {
	counts := map[string]int{}
	order := []string{}
	for _, evt := range group {
		if verb, ok := evt.FeatureString("verb"); ok {
			if counts[verb] == 0 {
				order = append(order, verb)
			}
			counts[verb]++
		}
	}

	topVerb := ""
	topCount := 0
	for _, verb := range order {
		if counts[verb] > topCount {
			topCount = counts[verb]
			topVerb = verb
		}
	}

	source := group[0].Source
	switch {
	case topVerb == "auth" && topCount >= 5:
		return "SSH brute force attempt"
	case topVerb == "deny":
		return "Repeated access denials"
	case topVerb == "exfil":
		return "Data exfiltration detected"
	case topVerb == "":
		return "activity on " + source
	default:
		return topVerb + " on " + source
	}
}

// DetermineSeverity applies the severity ladder over a group of events:
// exfiltration or malware activity is critical, 10+ denials or failures are
// high, 5+ are medium, anything else low.
func DetermineSeverity(group []schema.Event) schema.Severity {
	denyCount := 0
	failCount := 0
	hasExfil := false
	hasMalware := false

	for _, evt := range group {
		if outcome, ok := evt.FeatureString("outcome"); ok {
			switch outcome {
			case "deny", "block":
				denyCount++
			case "fail":
				failCount++
			}
		}
		if verb, ok := evt.FeatureString("verb"); ok {
			switch verb {
			case "exfil", "upload":
				hasExfil = true
			case "malware":
				hasMalware = true
			}
		}
	}

	switch {
	case hasExfil || hasMalware:
		return schema.SeverityCritical
	case failCount >= 10 || denyCount >= 10:
		return schema.SeverityHigh
	case failCount >= 5 || denyCount >= 5:
		return schema.SeverityMedium
	default:
		return schema.SeverityLow
	}
}
