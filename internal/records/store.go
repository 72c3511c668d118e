// Package records persists session timelines and finished transcript
// records in SQLite.
package records

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Record is the outcome of a finalized stream or a processed upload.
type Record struct {
	ID              string
	SessionID       string
	Name            string
	Source          string
	Dialog          string
	Summary         string
	SubjectSex      string
	Model           string
	CaptionPath     string
	DurationSeconds *float64
	// AudioSeconds is the length of the transcribed waveform, nil when its
	// header could not be read.
	AudioSeconds      *float64
	ProcessingSeconds float64
	CreatedAt         time.Time
}

// Store wraps a SQLite-backed timeline and record store. In ephemeral mode
// nothing touches disk: events are dropped and records live in memory until
// the process exits.
type Store struct {
	db    *sql.DB
	cfg   config.RecordsConfig
	log   *slog.Logger
	clock func() time.Time

	memMu sync.RWMutex
	mem   map[string]Record
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.RecordsConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "records"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, mem: make(map[string]Record)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("records vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("records prune on start failed", slog.String("error", err.Error()))
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
    source TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS records (
    record_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    name TEXT,
    source TEXT,
    dialog TEXT,
    summary TEXT,
    subject_sex TEXT,
    model TEXT,
    caption_path TEXT,
    duration_seconds REAL,
    audio_seconds REAL,
    processing_seconds REAL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
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

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ephemeral() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, source string) error {
	if s.ephemeral() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET source=excluded.source`,
		sessionID, source, s.clock().UTC())
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.ephemeral() {
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

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.ephemeral() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
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
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

const recordColumns = `record_id, session_id, name, source, dialog, summary, subject_sex, model,
        caption_path, duration_seconds, audio_seconds, processing_seconds, created_at`

// SaveRecord stores rec, creating its session row when missing.
func (s *Store) SaveRecord(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if s.ephemeral() {
		s.memMu.Lock()
		s.mem[rec.ID] = rec
		s.memMu.Unlock()
		return nil
	}
	if err := s.AppendSession(ctx, rec.SessionID, rec.Source); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(`+recordColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Name, rec.Source, rec.Dialog, rec.Summary, rec.SubjectSex, rec.Model,
		rec.CaptionPath, nullable(rec.DurationSeconds), nullable(rec.AudioSeconds), rec.ProcessingSeconds, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord returns the record with id or a NotFound fault.
func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	if s.ephemeral() {
		s.memMu.RLock()
		rec, ok := s.mem[id]
		s.memMu.RUnlock()
		if !ok {
			return Record{}, fault.New(fault.NotFound, "get record", "unknown record "+id)
		}
		return rec, nil
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE record_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fault.New(fault.NotFound, "get record", "unknown record "+id)
	}
	return rec, err
}

// ListRecords returns up to limit records, newest first.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if s.ephemeral() {
		s.memMu.RLock()
		out := make([]Record, 0, len(s.mem))
		for _, rec := range s.mem {
			out = append(out, rec)
		}
		s.memMu.RUnlock()
		slices.SortFunc(out, func(a, b Record) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY created_at DESC, record_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSummary replaces the summary of record id and returns the updated
// record.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) (Record, error) {
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		rec, ok := s.mem[id]
		if !ok {
			return Record{}, fault.New(fault.NotFound, "update summary", "unknown record "+id)
		}
		rec.Summary = summary
		s.mem[id] = rec
		return rec, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE records SET summary = ? WHERE record_id = ?`, summary, id)
	if err != nil {
		return Record{}, fmt.Errorf("update summary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Record{}, fault.New(fault.NotFound, "update summary", "unknown record "+id)
	}
	return s.GetRecord(ctx, id)
}

// DeleteRecord removes record id and returns what was stored, so callers can
// clean up the files it points at.
func (s *Store) DeleteRecord(ctx context.Context, id string) (Record, error) {
	if s.ephemeral() {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		rec, ok := s.mem[id]
		if !ok {
			return Record{}, fault.New(fault.NotFound, "delete record", "unknown record "+id)
		}
		delete(s.mem, id)
		return rec, nil
	}

	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE record_id = ?`, id); err != nil {
		return Record{}, fmt.Errorf("delete record: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var duration, audioLen sql.NullFloat64
	var created string
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Name, &rec.Source, &rec.Dialog, &rec.Summary, &rec.SubjectSex, &rec.Model,
		&rec.CaptionPath, &duration, &audioLen, &rec.ProcessingSeconds, &created)
	if err != nil {
		return Record{}, err
	}
	rec.DurationSeconds = fromNullable(duration)
	rec.AudioSeconds = fromNullable(audioLen)
	rec.CreatedAt = parseTime(created)
	return rec, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.ephemeral() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner applies retention every interval until ctx ends.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.ephemeral() || interval <= 0 {
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
				s.log.Warn("records prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
