// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"corrsight/metrics"
)

// reconnectDelay is the pause between change-stream reconnect attempts.
const reconnectDelay = 5 * time.Second

// Notification is the fan-out payload built from one change-stream entry.
type Notification struct {
	Type      string `json:"type"` // "incident.<operationType>"
	Doc       bson.M `json:"doc"`  // post-image, or documentKey when absent
	Timestamp int64  `json:"timestamp"`
}

// ChangeCallback receives notifications from the watcher. Panics inside the
// callback are recovered and logged; they never stop the stream.
type ChangeCallback func(Notification)

// ChangeStreamWatcher bridges the persisted incidents collection to fan-out
// observers. It reconnects without a resume token: delivery is at-most-once
// across reconnects and consumers must be idempotent.
type ChangeStreamWatcher struct {
	store   *Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	callback ChangeCallback
}

// NewChangeStreamWatcher creates a watcher bound to the store's incidents
// collection. m may be nil.
func NewChangeStreamWatcher(store *Store, m *metrics.Metrics, logger *zap.Logger) *ChangeStreamWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeStreamWatcher{store: store, metrics: m, logger: logger}
}

// Start spawns the watch worker. Calling Start while running is a no-op.
func (w *ChangeStreamWatcher) Start(callback ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.logger.Warn("change stream already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.callback = callback

	go w.watchLoop(ctx)

	w.logger.Info("change stream started")
}

// Stop signals termination and waits for the worker to exit. Returns within
// one reconnect interval plus one outstanding notification.
func (w *ChangeStreamWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("change stream stopped")
}

// watchLoop runs one watch session at a time, reconnecting after a constant
// delay until the context is cancelled.
func (w *ChangeStreamWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	policy := backoff.WithContext(backoff.NewConstantBackOff(reconnectDelay), ctx)
	_ = backoff.Retry(func() error {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil // shutting down
		}
		if err == nil {
			err = errors.New("change stream ended")
		}
		if w.metrics != nil {
			w.metrics.StreamReconnects.Inc()
		}
		w.logger.Error("change stream error, reconnecting", zap.Error(err))
		return err
	}, policy)
}

// watchOnce opens the change stream and pumps notifications until the stream
// breaks or the context is cancelled.
func (w *ChangeStreamWatcher) watchOnce(ctx context.Context) error {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{
				{Key: "$in", Value: bson.A{"insert", "update", "replace"}},
			}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := w.store.incidents().Watch(ctx, pipeline, opts)
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer stream.Close(context.Background())

	w.logger.Info("change stream connected")

	for stream.Next(ctx) {
		var change struct {
			OperationType string `bson:"operationType"`
			FullDocument  bson.M `bson:"fullDocument"`
			DocumentKey   bson.M `bson:"documentKey"`
		}
		if err := stream.Decode(&change); err != nil {
			w.logger.Warn("change decode error", zap.Error(err))
			continue
		}

		doc := change.FullDocument
		if doc == nil {
			doc = change.DocumentKey
		}

		w.emit(Notification{
			Type:      "incident." + change.OperationType,
			Doc:       doc,
			Timestamp: time.Now().Unix(),
		})
	}

	if ctx.Err() != nil {
		return nil
	}
	return stream.Err()
}

// emit invokes the callback, containing any panic to the one notification.
func (w *ChangeStreamWatcher) emit(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("change callback panic", zap.Any("panic", r))
		}
	}()
	if w.callback != nil {
		w.callback(n)
	}
}
