package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/status"
	_ "modernc.org/sqlite"
)

// Event is one entry of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu   sync.Mutex
	live map[string]struct{}
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, live: map[string]struct{}{}}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, live: map[string]struct{}{}}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    runtime TEXT,
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(event_type, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists. Sessions appended through
// this Store are never pruned while it is open.
func (s *Store) AppendSession(ctx context.Context, sessionID, runtime string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, runtime, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET runtime=excluded.runtime`,
		sessionID, runtime, s.clock().UTC())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.live[sessionID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// liveFilter returns an "AND session_id NOT IN (...)" clause for the
// sessions opened through this Store, plus its arguments.
func (s *Store) liveFilter() (string, []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) == 0 {
		return "", nil
	}
	args := make([]any, 0, len(s.live))
	for id := range s.live {
		args = append(args, id)
	}
	return " AND session_id NOT IN (?" + strings.Repeat(", ?", len(args)-1) + ")", args
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// Record stores payload as JSON under eventType.
func (s *Store) Record(ctx context.Context, sessionID, eventType string, payload any) error {
	if s.disabled() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, Type: eventType, Payload: data})
}

// StatusSink returns a reporter that records every status line of a session.
// Write failures are logged and dropped.
func (s *Store) StatusSink(sessionID string) status.Reporter {
	return status.ReporterFunc(func(message string) {
		line := protocol.StatusLine{SessionID: sessionID, Message: message, Timestamp: s.clock().UTC()}
		if err := s.Record(context.Background(), sessionID, protocol.EventStatus, line); err != nil {
			s.log.Warn("record status failed", slog.String("error", err.Error()))
		}
	})
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return s.list(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
}

// ListEventsByType retrieves the newest limit events of one type across sessions, newest first.
func (s *Store) ListEventsByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return s.list(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE event_type = ? ORDER BY created_at DESC, id DESC LIMIT ?`, eventType, limit)
}

func (s *Store) list(ctx context.Context, query, arg string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops events older than RetentionDays, then sessions with no events
// left that started before the cutoff and, beyond MaxSessions, the oldest
// sessions. Live sessions keep their row. Events go with their session.
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	type stmt struct {
		query string
		args  []any
	}
	live, liveArgs := s.liveFilter()
	var stmts []stmt
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().UTC().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		stmts = append(stmts,
			stmt{`DELETE FROM events WHERE created_at < ?`, []any{cutoff}},
			stmt{`DELETE FROM sessions WHERE started_at < ?
				AND session_id NOT IN (SELECT DISTINCT session_id FROM events)` + live,
				append([]any{cutoff}, liveArgs...)},
		)
	}
	if s.cfg.MaxSessions > 0 {
		stmts = append(stmts, stmt{`DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions WHERE 1=1` + live + `
			ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, append(append([]any{}, liveArgs...), s.cfg.MaxSessions)})
	}
	if len(stmts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prune: %w", err)
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prune: %w", err)
		}
	}
	return tx.Commit()
}

// RunRetention prunes every interval until ctx ends.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RecentTranscripts returns the newest completed transcripts across all
// sessions, newest first.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]protocol.Transcript, error) {
	events, err := s.ListEventsByType(ctx, protocol.EventTranscript, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Transcript, 0, len(events))
	for _, evt := range events {
		var tr protocol.Transcript
		if err := json.Unmarshal(evt.Payload, &tr); err != nil {
			s.log.Warn("skipping malformed transcript event", slog.Int64("event_id", evt.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}
