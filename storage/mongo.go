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

// Package storage persists events, incidents, alerts, audits and metric
// points in MongoDB and exposes the incidents change stream to the fan-out
// side of the pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"corrsight/schema"
)

// Collection names.
const (
	collEvents    = "events_ts"
	collIncidents = "incidents"
	collAlerts    = "alerts"
	collAudits    = "audits"
	collMetrics   = "metrics_ts"
)

// ErrInvalidTransition is returned when a status update would move an
// incident backwards along the open -> ack -> closed DAG.
var ErrInvalidTransition = errors.New("invalid incident status transition")

// Config holds MongoDB connection settings.
type Config struct {
	URI           string
	Database      string
	RetentionDays int
	ConnTimeout   time.Duration
}

// DefaultConfig returns connection defaults for local development.
func DefaultConfig() Config {
	return Config{
		URI:           "mongodb://localhost:27017",
		Database:      "corrsight",
		RetentionDays: 7,
		ConnTimeout:   10 * time.Second,
	}
}

// Store wraps a MongoDB database handle.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config
	logger *zap.Logger
}

// NewStore connects to MongoDB and returns a Store. The caller should call
// Initialize once before first use and Close on shutdown.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = DefaultConfig().ConnTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Initialize creates collections and indexes. Safe to call on every start;
// existing collections are left alone.
func (s *Store) Initialize(ctx context.Context) error {
	for _, name := range []string{collEvents, collMetrics, collIncidents, collAlerts, collAudits} {
		if err := s.db.CreateCollection(ctx, name); err != nil {
			// NamespaceExists on restart is expected.
			var cmdErr mongo.CommandError
			if errors.As(err, &cmdErr) && cmdErr.HasErrorCode(48) {
				continue
			}
			s.logger.Warn("create collection", zap.String("collection", name), zap.Error(err))
		}
	}

	if err := s.createIndexes(ctx); err != nil {
		return err
	}

	s.logger.Info("mongo initialized",
		zap.String("database", s.cfg.Database))
	return nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	incidentIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "entity.host", Value: 1}}},
		{Keys: bson.D{{Key: "severity", Value: 1}}},
	}
	if _, err := s.db.Collection(collIncidents).Indexes().CreateMany(ctx, incidentIndexes); err != nil {
		return fmt.Errorf("create incident indexes: %w", err)
	}

	eventIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ts", Value: -1}}},
		{
			Keys:    bson.D{{Key: "ts", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.cfg.RetentionDays * 24 * 60 * 60)),
		},
	}
	if _, err := s.db.Collection(collEvents).Indexes().CreateMany(ctx, eventIndexes); err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}

	refIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "incident_id", Value: 1}}},
		{Keys: bson.D{{Key: "ts", Value: -1}}},
	}
	for _, name := range []string{collAlerts, collAudits} {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, refIndexes); err != nil {
			return fmt.Errorf("create %s indexes: %w", name, err)
		}
	}

	return nil
}

// InsertEvents bulk-appends normalized events.
func (s *Store) InsertEvents(ctx context.Context, events []schema.Event) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, len(events))
	for i := range events {
		docs[i] = events[i]
	}
	if _, err := s.db.Collection(collEvents).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// UpsertIncident writes an incident by its primary key.
func (s *Store) UpsertIncident(ctx context.Context, inc *schema.Incident) error {
	_, err := s.db.Collection(collIncidents).ReplaceOne(ctx,
		bson.M{"_id": inc.ID}, inc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

// GetIncident fetches one incident by ID, returning (nil, nil) when absent.
func (s *Store) GetIncident(ctx context.Context, id string) (*schema.Incident, error) {
	var inc schema.Incident
	err := s.db.Collection(collIncidents).FindOne(ctx, bson.M{"_id": id}).Decode(&inc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	return &inc, nil
}

// QueryIncidents lists incidents sorted by updated_at descending, cursor
// paginated by _id. An empty status matches all statuses.
func (s *Store) QueryIncidents(ctx context.Context, status schema.IncidentStatus, limit int, afterID string) ([]schema.Incident, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(collIncidents).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer cursor.Close(ctx)

	var incidents []schema.Incident
	if err := cursor.All(ctx, &incidents); err != nil {
		return nil, fmt.Errorf("decode incidents: %w", err)
	}
	return incidents, nil
}

// UpdateIncidentStatus applies an operator status transition, enforcing the
// open -> ack -> closed DAG. Returns the incident before and after the
// change so the caller can audit it.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id string, to schema.IncidentStatus) (before, after *schema.Incident, err error) {
	before, err = s.GetIncident(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if before == nil {
		return nil, nil, nil
	}
	if !schema.ValidTransition(before.Status, to) {
		return before, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, to)
	}

	now := time.Now()
	_, err = s.db.Collection(collIncidents).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": to, "updated_at": now}})
	if err != nil {
		return before, nil, fmt.Errorf("update incident status %s: %w", id, err)
	}

	updated := *before
	updated.Status = to
	updated.UpdatedAt = now
	return before, &updated, nil
}

// QueryRecentEvents returns the latest events by timestamp descending.
func (s *Store) QueryRecentEvents(ctx context.Context, limit int) ([]schema.Event, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(collEvents).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []schema.Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// InsertAlert appends an alert record.
func (s *Store) InsertAlert(ctx context.Context, alert *schema.Alert) error {
	if _, err := s.db.Collection(collAlerts).InsertOne(ctx, alert); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// InsertAudit appends an audit trail entry.
func (s *Store) InsertAudit(ctx context.Context, entry *schema.AuditEntry) error {
	if _, err := s.db.Collection(collAudits).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// InsertMetric appends a metric point.
func (s *Store) InsertMetric(ctx context.Context, point *schema.MetricPoint) error {
	if _, err := s.db.Collection(collMetrics).InsertOne(ctx, point); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// incidents exposes the incidents collection to the change-stream watcher.
func (s *Store) incidents() *mongo.Collection {
	return s.db.Collection(collIncidents)
}
