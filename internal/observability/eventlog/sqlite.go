// Package eventlog provides an optional, purely additive SQLite sink
// mirroring the event bus's bounded in-memory history (spec.md §4.1)
// into a local table for post-hoc querying, per SPEC_FULL §B. Grounded
// on aristath-sentinel/trader-go/internal/database/db.go's
// modernc.org/sqlite (pure-Go, no cgo) connection idiom. Never
// consulted on the critical decision path -- a write failure here is
// logged and dropped, never propagated to the publishing manager.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
)

// Sink persists published bus events into a local SQLite table.
type Sink struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (if needed) the parent directory and the events table
// at path, in WAL mode for concurrent reads while writes continue.
func Open(path string, logger *zap.Logger) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	correlation_id TEXT,
	timestamp DATETIME NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Sink{db: db, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// SubscribeAll wires the sink to every event the bus publishes,
// subscribing to each event type the bus knows about via the supplied
// list (the bus has no wildcard subscription, so the caller names the
// event types worth archiving).
func (s *Sink) SubscribeAll(bus *events.EventBus, types []events.EventType) {
	for _, t := range types {
		t := t
		bus.Subscribe(t, "eventlog_sink", -100, func(ev *events.Event) error {
			s.record(ev)
			return nil
		})
	}
}

func (s *Sink) record(ev *events.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("eventlog: marshal payload", zap.Error(err))
		}
		return
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO events (id, type, source, correlation_id, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Source, ev.CorrelationID, ev.Timestamp, string(payload),
	)
	if err != nil && s.logger != nil {
		s.logger.Warn("eventlog: insert failed", zap.Error(err))
	}
}

// Row is one archived event, as returned by Query.
type Row struct {
	ID            string
	Type          string
	Source        string
	CorrelationID string
	Timestamp     string
	Payload       string
}

// Query returns up to limit most recent rows, optionally filtered by
// event type (empty string matches all types).
func (s *Sink) Query(eventType string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if eventType == "" {
		rows, err = s.db.Query(`SELECT id, type, source, correlation_id, timestamp, payload FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, type, source, correlation_id, timestamp, payload FROM events WHERE type = ? ORDER BY timestamp DESC LIMIT ?`, eventType, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Type, &r.Source, &r.CorrelationID, &r.Timestamp, &r.Payload); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
