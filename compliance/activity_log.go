// Copyright 2025 PolicyPulse
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compliance

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ActivityLog records every action an agent takes. Mutating toolkit actions
// go through Append, which writes synchronously before the action returns to
// its caller. Advisory events (risk predictions, policy suggestions) are
// queued and batch-written since nothing downstream depends on their
// durability.
type ActivityLog struct {
	db           *sql.DB
	batchWriter  *logBatchWriter
	eventQueue   chan *AgentLogEntry
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	closeOnce    sync.Once

	// In-memory mirror so Recent and Counts keep working when postgres
	// is unavailable.
	mu      sync.RWMutex
	entries []AgentLogEntry
}

// logBatchWriter accumulates advisory entries and writes them in one insert
// per batch.
type logBatchWriter struct {
	db        *sql.DB
	batchSize int
	entries   []*AgentLogEntry
	mu        sync.Mutex
}

// NewActivityLog connects to postgres and starts the advisory batch worker.
// When the database is unavailable the log degrades to in-memory only and
// keeps the service running.
func NewActivityLog(databaseURL string) *ActivityLog {
	al := &ActivityLog{
		eventQueue:   make(chan *AgentLogEntry, 10000),
		shutdownChan: make(chan struct{}),
	}

	if databaseURL == "" {
		log.Printf("[ActivityLog] no database configured, using in-memory log")
		return al
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("[ActivityLog] failed to connect to database: %v", err)
		return al
	}
	if err := createActivityTables(db); err != nil {
		log.Printf("[ActivityLog] failed to create tables: %v", err)
	}

	al.db = db
	al.batchWriter = &logBatchWriter{db: db, batchSize: 100}

	al.wg.Add(1)
	go al.processQueue()

	return al
}

// NewEntry builds a log entry with a fresh id and UTC timestamp.
func NewEntry(action, entityID, agent, reason string, confidenceDelta float64) AgentLogEntry {
	return AgentLogEntry{
		EntryID:         "LOG-" + uuid.NewString(),
		Action:          action,
		EntityID:        entityID,
		Agent:           agent,
		Reason:          reason,
		ConfidenceDelta: confidenceDelta,
		Timestamp:       time.Now().UTC(),
	}
}

// Append durably records a toolkit action. It returns only after the write
// completed, so a mutation is never observable before its log entry exists.
func (l *ActivityLog) Append(ctx context.Context, entry AgentLogEntry) error {
	l.remember(entry)

	if l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO agent_activity_log (
			entry_id, action, entity_id, agent, reason, confidence_delta, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.EntryID, entry.Action, entry.EntityID, entry.Agent, entry.Reason, entry.ConfidenceDelta, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	return nil
}

// Record queues an advisory event for batch writing. It never blocks the
// caller; a full queue falls through to a direct batch write.
func (l *ActivityLog) Record(entry AgentLogEntry) {
	l.remember(entry)

	if l.db == nil {
		return
	}
	e := entry
	select {
	case l.eventQueue <- &e:
	default:
		log.Printf("[ActivityLog] queue full, writing directly")
		if l.batchWriter != nil {
			_ = l.batchWriter.write([]*AgentLogEntry{&e})
		}
	}
}

// Recent returns the newest entries, most recent first.
func (l *ActivityLog) Recent(ctx context.Context, limit int) ([]AgentLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	if l.db == nil {
		return l.recentInMemory(limit), nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, action, entity_id, agent, reason, confidence_delta, timestamp
		FROM agent_activity_log
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		log.Printf("[ActivityLog] query failed, serving in-memory log: %v", err)
		return l.recentInMemory(limit), nil
	}
	defer func() { _ = rows.Close() }()

	entries := make([]AgentLogEntry, 0, limit)
	for rows.Next() {
		var e AgentLogEntry
		if err := rows.Scan(&e.EntryID, &e.Action, &e.EntityID, &e.Agent, &e.Reason, &e.ConfidenceDelta, &e.Timestamp); err != nil {
			log.Printf("[ActivityLog] scan failed: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts reports how many entries exist per action.
func (l *ActivityLog) Counts(ctx context.Context) (map[string]int, error) {
	if l.db == nil {
		return l.countsInMemory(), nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT action, COUNT(*) FROM agent_activity_log GROUP BY action
	`)
	if err != nil {
		return l.countsInMemory(), nil
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			continue
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// IsHealthy reports whether the backing database is reachable. The
// in-memory log is always healthy.
func (l *ActivityLog) IsHealthy() bool {
	if l.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return l.db.PingContext(ctx) == nil
}

// Close flushes queued advisory entries and stops the worker.
func (l *ActivityLog) Close() {
	l.closeOnce.Do(func() {
		close(l.shutdownChan)
		if l.db != nil {
			l.wg.Wait()
			_ = l.db.Close()
		}
	})
}

func (l *ActivityLog) remember(entry AgentLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	// Bound the mirror so a long-lived process does not grow unbounded.
	if len(l.entries) > 5000 {
		l.entries = l.entries[len(l.entries)-5000:]
	}
}

func (l *ActivityLog) recentInMemory(limit int) []AgentLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]AgentLogEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

func (l *ActivityLog) countsInMemory() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := map[string]int{}
	for _, e := range l.entries {
		counts[e.Action]++
	}
	return counts
}

func (l *ActivityLog) processQueue() {
	defer l.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.eventQueue:
			l.batchWriter.add(entry)
		case <-ticker.C:
			l.batchWriter.flush()
		case <-l.shutdownChan:
			for {
				select {
				case entry := <-l.eventQueue:
					l.batchWriter.add(entry)
				default:
					l.batchWriter.flush()
					return
				}
			}
		}
	}
}

func (b *logBatchWriter) add(entry *AgentLogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) >= b.batchSize {
		b.flushLocked()
	}
}

func (b *logBatchWriter) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *logBatchWriter) flushLocked() {
	if len(b.entries) == 0 {
		return
	}
	if err := b.write(b.entries); err != nil {
		log.Printf("[ActivityLog] failed to write batch: %v", err)
	}
	b.entries = b.entries[:0]
}

func (b *logBatchWriter) write(entries []*AgentLogEntry) error {
	if b.db == nil {
		return nil
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO agent_activity_log (
			entry_id, action, entity_id, agent, reason, confidence_delta, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.Exec(e.EntryID, e.Action, e.EntityID, e.Agent, e.Reason, e.ConfidenceDelta, e.Timestamp); err != nil {
			log.Printf("[ActivityLog] failed to insert entry %s: %v", e.EntryID, err)
		}
	}
	return tx.Commit()
}

func createActivityTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_activity_log (
		entry_id VARCHAR(255) PRIMARY KEY,
		action VARCHAR(100) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		agent VARCHAR(100) NOT NULL,
		reason TEXT NOT NULL,
		confidence_delta DOUBLE PRECISION DEFAULT 0,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agent_activity_timestamp ON agent_activity_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_agent_activity_action ON agent_activity_log(action);
	CREATE INDEX IF NOT EXISTS idx_agent_activity_entity ON agent_activity_log(entity_id);
	`
	_, err := db.Exec(query)
	return err
}
