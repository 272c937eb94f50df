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

// Package audit records operator and system actions as an immutable trail.
// Entries are queued on a buffered channel and written by a background
// worker so callers never block on the database.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"corrsight/schema"
	"corrsight/storage"
)

const (
	defaultBufferSize = 1000
	writeTimeout      = 10 * time.Second
)

// Auditor writes audit entries asynchronously.
type Auditor struct {
	store   *storage.Store
	logger  *zap.Logger
	entries chan schema.AuditEntry
	stop    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates an auditor and starts its background writer. store may be nil;
// entries are then logged and discarded.
func New(store *storage.Store, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Auditor{
		store:   store,
		logger:  logger,
		entries: make(chan schema.AuditEntry, defaultBufferSize),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Close drains queued entries and stops the writer.
func (a *Auditor) Close() {
	close(a.stop)
	a.wg.Wait()
}

// LogStateChange records an incident status transition performed by actor.
func (a *Auditor) LogStateChange(actor, incidentID string, before, after schema.IncidentStatus) {
	a.enqueue(schema.AuditEntry{
		TS:         a.now(),
		Actor:      actor,
		Action:     "status_change",
		IncidentID: incidentID,
		Before:     map[string]any{"status": string(before)},
		After:      map[string]any{"status": string(after)},
	})
}

// LogAction records a generic action against an incident.
func (a *Auditor) LogAction(actor, action, incidentID string, details map[string]any) {
	a.enqueue(schema.AuditEntry{
		TS:         a.now(),
		Actor:      actor,
		Action:     action,
		IncidentID: incidentID,
		After:      details,
	})
}

// enqueue queues an entry, dropping it with a warning when the buffer is full.
func (a *Auditor) enqueue(entry schema.AuditEntry) {
	select {
	case a.entries <- entry:
	default:
		a.logger.Warn("audit buffer full, dropping entry",
			zap.String("action", entry.Action),
			zap.String("incident_id", entry.IncidentID))
	}
}

func (a *Auditor) run() {
	defer a.wg.Done()

	for {
		select {
		case entry := <-a.entries:
			a.write(entry)
		case <-a.stop:
			// Drain whatever is still queued.
			for {
				select {
				case entry := <-a.entries:
					a.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (a *Auditor) write(entry schema.AuditEntry) {
	if a.store == nil {
		a.logger.Debug("audit entry",
			zap.String("actor", entry.Actor),
			zap.String("action", entry.Action),
			zap.String("incident_id", entry.IncidentID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := a.store.InsertAudit(ctx, &entry); err != nil {
		a.logger.Error("persist audit entry failed",
			zap.String("incident_id", entry.IncidentID), zap.Error(err))
	}
}
