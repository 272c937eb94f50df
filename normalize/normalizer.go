// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package normalize turns raw ingest JSON into schema.Event records with
// deterministic fingerprints and redacted features. Normalization is pure and
// batch-at-a-time: malformed items are logged and dropped, the batch itself
// never fails, and input order is preserved for surviving items.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"corrsight/ids"
	"corrsight/schema"
)

// redactedPlaceholder replaces any feature value whose key names a secret.
const redactedPlaceholder = "***REDACTED***"

// secretKeys is the redaction set. It is disjoint from the fingerprint inputs
// by construction, so redaction never alters fingerprints.
var secretKeys = map[string]struct{}{
	"password":   {},
	"token":      {},
	"api_key":    {},
	"secret":     {},
	"credential": {},
}

// Normalizer converts raw event payloads into normalized events.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a normalizer. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger, now: time.Now}
}

// NormalizeBatch normalizes each raw item independently. Items that fail to
// parse are logged and dropped; successful items keep their input order.
func (n *Normalizer) NormalizeBatch(raw []json.RawMessage) []schema.Event {
	events := make([]schema.Event, 0, len(raw))
	for _, item := range raw {
		evt, err := n.Normalize(item)
		if err != nil {
			n.logger.Warn("normalization failed", zap.Error(err))
			continue
		}
		events = append(events, evt)
	}
	return events
}

// Normalize converts a single raw payload into a schema.Event.
func (n *Normalizer) Normalize(raw json.RawMessage) (schema.Event, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return schema.Event{}, fmt.Errorf("parse raw event: %w", err)
	}

	evt := schema.Event{
		TS:      n.parseTimestamp(obj),
		Source:  stringOrDefault(obj, "source", "unknown"),
		Host:    stringOrDefault(obj, "host", "unknown"),
		TraceID: ids.NewTraceID(),
	}

	features := map[string]any{}
	if v, ok := obj["verb"]; ok {
		features["verb"] = v
	}
	if v, ok := obj["outcome"]; ok {
		features["outcome"] = v
	}
	if object, ok := obj["object"].(map[string]any); ok {
		for _, key := range []string{"proto", "dport", "sport", "user"} {
			if v, ok := object[key]; ok {
				features[key] = v
			}
		}
	}
	if entity, ok := obj["entity"].(map[string]any); ok {
		for _, key := range []string{"ip", "user"} {
			if v, ok := entity[key]; ok {
				features[key] = v
			}
		}
	}

	redactSecrets(features)
	evt.Features = features
	evt.Fingerprint = Fingerprint(&evt)

	return evt, nil
}

// parseTimestamp adopts an ISO-8601 ts field when present and parseable,
// otherwise the current time. An unparseable ts is not an error.
func (n *Normalizer) parseTimestamp(obj map[string]any) time.Time {
	raw, ok := obj["ts"].(string)
	if !ok {
		return n.now()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return n.now()
}

// Fingerprint computes the stable identity hash of an event: SHA-256 over
// "source:host:ip:proto:dport" (with "none"/"0" placeholders), truncated to
// the first 8 bytes and hex-encoded. Wide enough to avoid accidental
// collisions at expected volumes while staying short in logs.
func Fingerprint(evt *schema.Event) string {
	ip := "none"
	if v, ok := evt.FeatureString("ip"); ok {
		ip = v
	}
	proto := "none"
	if v, ok := evt.FeatureString("proto"); ok {
		proto = v
	}
	dport := 0
	if v, ok := evt.FeatureInt("dport"); ok {
		dport = v
	}

	input := evt.Source + ":" + evt.Host + ":" + ip + ":" + proto + ":" + strconv.Itoa(dport)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}

// ExtractFeatures returns the one-hot vector the clusterer compares on: one
// "<name>_<value>" -> 1 entry per nominal feature present.
func ExtractFeatures(evt *schema.Event) map[string]any {
	features := map[string]any{}
	for _, name := range []string{"verb", "proto", "outcome"} {
		if v, ok := evt.FeatureString(name); ok {
			features[name+"_"+v] = float64(1)
		}
	}
	return features
}

// redactSecrets replaces in place any value whose key is in the redaction
// set, recursing into nested objects.
func redactSecrets(obj map[string]any) {
	for key, val := range obj {
		if _, secret := secretKeys[key]; secret {
			obj[key] = redactedPlaceholder
			continue
		}
		if nested, ok := val.(map[string]any); ok {
			redactSecrets(nested)
		}
	}
}

func stringOrDefault(obj map[string]any, key, fallback string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return fallback
}
