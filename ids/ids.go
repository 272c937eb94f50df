// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ids generates the identifier literals used across the pipeline:
// time-ordered incident IDs, deterministic cluster IDs and random trace IDs.
// All functions are total and safe for concurrent use.
package ids

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/twmb/murmur3"
)

// clusterSeed keeps cluster IDs stable across processes; changing it would
// re-key every deterministic cluster ID.
const clusterSeed uint32 = 0x5a5a5a5a

// NewIncidentID returns "inc_" + base36(unix seconds) + base36(24 random
// bits). The time-ordered prefix supports lexicographic range queries.
func NewIncidentID() string {
	ts := uint64(time.Now().Unix())
	random := uint64(rand.Uint32() & (1<<24 - 1))
	return "inc_" + base36(ts) + base36(random)
}

// NewClusterID returns "clu_" + hex8(murmur3_32(fingerprint)). Identical
// fingerprints always map to identical cluster IDs; windowed identity is the
// clusterer's concern, not this function's.
func NewClusterID(fingerprint string) string {
	h := murmur3.SeedSum32(clusterSeed, []byte(fingerprint))
	return fmt.Sprintf("clu_%08x", h)
}

// NewTraceID returns 16 lowercase hex characters from 64 random bits.
func NewTraceID() string {
	return fmt.Sprintf("%016x", rand.Uint64())
}

func base36(v uint64) string {
	return strconv.FormatUint(v, 36)
}
