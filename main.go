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

// corrsight correlates raw security events into clusters and incidents,
// persists them to MongoDB, and fans incident changes out to WebSocket
// subscribers.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"corrsight/alerts"
	"corrsight/api"
	"corrsight/audit"
	"corrsight/cluster"
	"corrsight/config"
	"corrsight/correlate"
	"corrsight/fanout"
	"corrsight/ingest"
	"corrsight/logger"
	"corrsight/metrics"
	"corrsight/pipeline"
	"corrsight/storage"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting corrsight",
		zap.String("mongo_uri", cfg.MongoURI),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("ws_port", cfg.WSPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, storage.Config{
		URI:           cfg.MongoURI,
		Database:      cfg.MongoDatabase,
		RetentionDays: cfg.RetentionDays,
		ConnTimeout:   10 * time.Second,
	}, log.Named("storage"))
	if err != nil {
		log.Fatal("mongo connection failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	if err := store.Initialize(ctx); err != nil {
		log.Fatal("storage initialization failed", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(nil)
	}

	var auditor *audit.Auditor
	if cfg.AuditEnabled {
		auditor = audit.New(store, log.Named("audit"))
		defer auditor.Close()
	}

	alerter := alerts.New(store, m, log.Named("alerts"))

	pipe := pipeline.New(
		cluster.Config{Window: cfg.ClusterWindow, SimilarityThreshold: cfg.SimilarityThreshold},
		correlate.Config{Window: cfg.CorrelationWindow},
		store, alerter, m, log.Named("pipeline"))

	go pipe.RunSnapshots(ctx, 30*time.Second)

	hub := fanout.NewHub(fanout.Config{
		MaxConnections:    cfg.WSMaxConns,
		ConnectionTimeout: cfg.WSConnTimeout,
		BufferSize:        64,
		AuthToken:         cfg.WSAuthToken,
	}, m, log.Named("fanout"))

	watcher := storage.NewChangeStreamWatcher(store, m, log.Named("changestream"))
	watcher.Start(hub.Broadcast)
	defer watcher.Stop()

	server := api.NewServer(api.Config{
		Port:        cfg.HTTPPort,
		MaxBodySize: cfg.MaxBodySize,
	}, pipe, store, ingest.NewVerifier(cfg.HMACSecret), auditor, m, log.Named("api"))

	errs := make(chan error, 3)

	go func() { errs <- server.Serve(ctx) }()
	go func() { errs <- hub.Serve(ctx, cfg.WSPort) }()
	if cfg.MetricsEnabled {
		go func() { errs <- metrics.Serve(ctx, cfg.MetricsPort, log.Named("metrics")) }()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			log.Error("server failed", zap.Error(err))
		}
		stop()
	}

	// Give the servers a moment to finish their graceful shutdowns.
	time.Sleep(200 * time.Millisecond)
	log.Info("corrsight stopped")
}
