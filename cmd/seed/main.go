// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// seed drives demo scenarios through the real pipeline into MongoDB so the
// query API and fan-out stream have data to show.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"corrsight/cluster"
	"corrsight/config"
	"corrsight/correlate"
	"corrsight/logger"
	"corrsight/pipeline"
	"corrsight/storage"
)

type scenario struct {
	name     string
	count    int
	interval time.Duration // timestamp spacing inside the scenario
	build    func(ts time.Time, i int) map[string]any
}

var scenarios = []scenario{
	{
		name:     "firewall deny burst (SSH brute force)",
		count:    15,
		interval: time.Second,
		build: func(ts time.Time, i int) map[string]any {
			return map[string]any{
				"ts":      ts.Format(time.RFC3339),
				"source":  "fw",
				"host":    "edge-01",
				"entity":  map[string]any{"ip": "10.0.0.7"},
				"verb":    "deny",
				"object":  map[string]any{"proto": "tcp", "dport": 22, "bytes": 184},
				"outcome": "block",
			}
		},
	},
	{
		name:     "app auth failures",
		count:    8,
		interval: 5 * time.Second,
		build: func(ts time.Time, i int) map[string]any {
			return map[string]any{
				"ts":      ts.Format(time.RFC3339),
				"source":  "app",
				"host":    "web-02",
				"entity":  map[string]any{"ip": "203.0.113.9"},
				"verb":    "auth",
				"object":  map[string]any{"user": "alice"},
				"outcome": "fail",
			}
		},
	},
	{
		name:     "anomalous upload traffic",
		count:    6,
		interval: 3 * time.Second,
		build: func(ts time.Time, i int) map[string]any {
			return map[string]any{
				"ts":      ts.Format(time.RFC3339),
				"source":  "ids",
				"host":    "sensor-03",
				"entity":  map[string]any{"ip": "192.168.1.50"},
				"verb":    "upload",
				"object":  map[string]any{"proto": "https", "dport": 443, "bytes": 10485760},
				"outcome": "alert",
			}
		},
	},
}

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	store, err := storage.NewStore(ctx, storage.Config{
		URI:           cfg.MongoURI,
		Database:      cfg.MongoDatabase,
		RetentionDays: cfg.RetentionDays,
		ConnTimeout:   10 * time.Second,
	}, log.Named("storage"))
	if err != nil {
		log.Error("mongo connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = store.Close(ctx) }()

	if err := store.Initialize(ctx); err != nil {
		log.Error("storage initialization failed", zap.Error(err))
		os.Exit(1)
	}

	pipe := pipeline.New(
		cluster.Config{Window: cfg.ClusterWindow, SimilarityThreshold: cfg.SimilarityThreshold},
		correlate.Config{Window: cfg.CorrelationWindow},
		store, nil, nil, log.Named("pipeline"))

	fmt.Println("=== corrsight demo data seeder ===")

	for _, sc := range scenarios {
		fmt.Printf("\nSeeding %s...\n", sc.name)
		base := time.Now()

		for i := 0; i < sc.count; i++ {
			raw, err := json.Marshal(sc.build(base.Add(time.Duration(i)*sc.interval), i))
			if err != nil {
				log.Error("marshal event failed", zap.Error(err))
				continue
			}

			result, err := pipe.Process(ctx, []json.RawMessage{raw})
			if err != nil {
				log.Error("seed batch failed", zap.Error(err))
				continue
			}
			for _, id := range result.Incidents {
				fmt.Printf("  touched incident: %s\n", id)
			}

			time.Sleep(200 * time.Millisecond)
		}

		time.Sleep(2 * time.Second)
	}

	fmt.Println("\n=== demo data seeded ===")
}
