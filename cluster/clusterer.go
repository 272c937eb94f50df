// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cluster groups normalized events into windowed, in-memory clusters
// keyed by fingerprint and feature similarity. A Clusterer is single-writer:
// its active-cluster map is owned per instance and AssignClusters must not be
// called concurrently.
package cluster

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"corrsight/ids"
	"corrsight/normalize"
	"corrsight/schema"
)

// Config tunes cluster lifetime and join sensitivity.
type Config struct {
	// Window is how long a cluster stays active without new events.
	Window time.Duration
	// SimilarityThreshold in [0,1] is the minimum Jaccard similarity for an
	// event to join an existing cluster.
	SimilarityThreshold float64
}

// DefaultConfig returns the defaults used by the pipeline.
func DefaultConfig() Config {
	return Config{
		Window:              120 * time.Second,
		SimilarityThreshold: 0.75,
	}
}

// Clusterer maintains the active cluster map and assigns cluster IDs.
type Clusterer struct {
	cfg     Config
	actives map[string]*schema.Cluster
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a clusterer. A nil logger falls back to zap.NewNop.
func New(cfg Config, logger *zap.Logger) *Clusterer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clusterer{
		cfg:     cfg,
		actives: make(map[string]*schema.Cluster),
		logger:  logger,
		now:     time.Now,
	}
}

// AssignClusters garbage-collects expired clusters, then attaches a cluster
// ID to every event in input order. Events with an empty fingerprint violate
// the normalizer contract and are skipped with a warning.
func (c *Clusterer) AssignClusters(events []schema.Event) {
	c.expireClusters()

	for i := range events {
		evt := &events[i]
		if evt.Fingerprint == "" {
			c.logger.Warn("event without fingerprint, skipping cluster assignment",
				zap.String("trace_id", evt.TraceID))
			continue
		}
		features := normalize.ExtractFeatures(evt)
		evt.ClusterID = c.findOrCreateCluster(evt, features)
	}
}

// ActiveCount reports the number of live clusters.
func (c *Clusterer) ActiveCount() int {
	return len(c.actives)
}

// findOrCreateCluster joins the most similar active cluster sharing the
// event's fingerprint, or creates a fresh cluster when nothing clears the
// threshold. The created ID is deterministic in the fingerprint, so a
// signature recurring after expiry reuses its previous ID.
func (c *Clusterer) findOrCreateCluster(evt *schema.Event, features map[string]any) string {
	bestSimilarity := 0.0
	bestID := ""

	// Candidates are visited in sorted ID order so tie-breaking is stable
	// regardless of map iteration order.
	candidates := make([]string, 0, len(c.actives))
	for cid, cl := range c.actives {
		if cl.Fingerprint == evt.Fingerprint {
			candidates = append(candidates, cid)
		}
	}
	sort.Strings(candidates)

	for _, cid := range candidates {
		if sim := Jaccard(features, c.actives[cid].Centroid); sim > bestSimilarity {
			bestSimilarity = sim
			bestID = cid
		}
	}

	if bestID != "" && bestSimilarity >= c.cfg.SimilarityThreshold {
		cl := c.actives[bestID]
		cl.EventCount++
		cl.LastUpdated = evt.TS
		mergeCentroid(cl.Centroid, features, cl.EventCount)
		return bestID
	}

	id := ids.NewClusterID(evt.Fingerprint)
	c.actives[id] = &schema.Cluster{
		ID:          id,
		Fingerprint: evt.Fingerprint,
		Centroid:    features,
		LastUpdated: evt.TS,
		EventCount:  1,
	}
	return id
}

// mergeCentroid folds an event's features into the centroid: numeric entries
// present on both sides take the running mean over n events, missing keys are
// copied, and existing nominal entries are left untouched.
func mergeCentroid(centroid, features map[string]any, n int) {
	for key, val := range features {
		old, exists := centroid[key]
		if !exists {
			centroid[key] = val
			continue
		}
		newNum, newOK := asNumber(val)
		oldNum, oldOK := asNumber(old)
		if newOK && oldOK {
			centroid[key] = (oldNum*float64(n-1) + newNum) / float64(n)
		}
	}
}

func (c *Clusterer) expireClusters() {
	now := c.now()
	for id, cl := range c.actives {
		if now.Sub(cl.LastUpdated) > c.cfg.Window {
			delete(c.actives, id)
		}
	}
}

// Jaccard returns |A∩B| / |A∪B| over the key-sets of two feature mappings.
// Two empty mappings are identical (1.0).
func Jaccard(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for key := range a {
		if _, ok := b[key]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Cosine returns the cosine similarity over the numeric entries of two
// feature mappings. Zero magnitude on either side yields 0.
func Cosine(a, b map[string]any) float64 {
	var dot, magA, magB float64
	for key, val := range a {
		v1, ok := asNumber(val)
		if !ok {
			continue
		}
		magA += v1 * v1
		if other, present := b[key]; present {
			if v2, ok := asNumber(other); ok {
				dot += v1 * v2
			}
		}
	}
	for _, val := range b {
		if v2, ok := asNumber(val); ok {
			magB += v2 * v2
		}
	}
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
