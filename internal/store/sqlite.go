package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/focuslens/internal/events"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so TEXT columns sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists sessions and their event log in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("sqlite path is required")
	}
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas consistent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.applyPragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NULL,
			productivity_score REAL NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_subject_started ON sessions (subject_id, started_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_running_subject ON sessions (subject_id) WHERE ended_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS emotion_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			at TEXT NOT NULL,
			emotion TEXT NOT NULL,
			confidence REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emotion_logs_session_at ON emotion_logs (session_id, at)`,
		`CREATE TABLE IF NOT EXISTS focus_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			at TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_focus_logs_session_at ON focus_logs (session_id, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, subjectID string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, started_at) VALUES (?, ?, ?)`,
		id, subjectID, formatTime(startedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrSubjectBusy
		}
		return "", persistenceErr("create session", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendEmotionEvent(ctx context.Context, ev events.EmotionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emotion_logs (session_id, at, emotion, confidence) VALUES (?, ?, ?, ?)`,
		ev.SessionID, formatTime(ev.At), string(ev.Label), ev.Confidence,
	)
	if err != nil {
		return persistenceErr("append emotion event", err)
	}
	return nil
}

func (s *SQLiteStore) AppendFocusEvent(ctx context.Context, ev events.FocusEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO focus_logs (session_id, at, status) VALUES (?, ?, ?)`,
		ev.SessionID, formatTime(ev.At), string(ev.Status),
	)
	if err != nil {
		return persistenceErr("append focus event", err)
	}
	return nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, score float64) error {
	sess, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Closed() {
		return ErrAlreadyClosed
	}
	end := endedAt.UTC()
	if end.Before(sess.StartedAt) {
		end = sess.StartedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, productivity_score = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(end), score, sessionID,
	)
	if err != nil {
		return persistenceErr("close session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("close session", err)
	}
	if n == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

func (s *SQLiteStore) ReadEvents(ctx context.Context, sessionID string) ([]events.EmotionEvent, []events.FocusEvent, error) {
	if _, err := s.ReadSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	emo, err := s.readEmotions(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	foc, err := s.readFocus(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return emo, foc, nil
}

func (s *SQLiteStore) readEmotions(ctx context.Context, sessionID string) ([]events.EmotionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, at, emotion, confidence FROM emotion_logs WHERE session_id=? ORDER BY at, id`,
		sessionID,
	)
	if err != nil {
		return nil, persistenceErr("query emotion events", err)
	}
	defer rows.Close()

	out := make([]events.EmotionEvent, 0)
	for rows.Next() {
		var (
			ev        events.EmotionEvent
			at, label string
		)
		if err := rows.Scan(&ev.SessionID, &at, &label, &ev.Confidence); err != nil {
			return nil, persistenceErr("scan emotion event", err)
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, persistenceErr("parse emotion timestamp", err)
		}
		ev.Label = events.ParseEmotionLabel(label)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate emotion events", err)
	}
	return out, nil
}

func (s *SQLiteStore) readFocus(ctx context.Context, sessionID string) ([]events.FocusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, at, status FROM focus_logs WHERE session_id=? ORDER BY at, id`,
		sessionID,
	)
	if err != nil {
		return nil, persistenceErr("query focus events", err)
	}
	defer rows.Close()

	out := make([]events.FocusEvent, 0)
	for rows.Next() {
		var (
			ev         events.FocusEvent
			at, status string
		)
		if err := rows.Scan(&ev.SessionID, &at, &status); err != nil {
			return nil, persistenceErr("scan focus event", err)
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, persistenceErr("parse focus timestamp", err)
		}
		ev.Status = events.ParseFocusStatus(status)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate focus events", err)
	}
	return out, nil
}

func (s *SQLiteStore) ReadSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, started_at, ended_at, productivity_score FROM sessions WHERE id=?`,
		sessionID,
	)
	sess, err := scanSQLiteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, persistenceErr("read session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, subjectID string, completedOnly bool, limit int) ([]Session, error) {
	// SQLite treats a negative LIMIT as no limit.
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, started_at, ended_at, productivity_score FROM sessions
		  WHERE (? = '' OR subject_id = ?) AND (? = 0 OR ended_at IS NOT NULL)
		  ORDER BY started_at DESC LIMIT ?`,
		subjectID, subjectID, completedOnly, limit,
	)
	if err != nil {
		return nil, persistenceErr("list sessions", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, persistenceErr("scan session row", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate session rows", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListSubjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT subject_id FROM sessions ORDER BY subject_id`)
	if err != nil {
		return nil, persistenceErr("list subjects", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, persistenceErr("scan subject row", err)
		}
		out = append(out, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate subject rows", err)
	}
	return out, nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
		score   sql.NullFloat64
	)
	if err := row.Scan(&sess.ID, &sess.SubjectID, &started, &ended, &score); err != nil {
		return Session{}, err
	}
	var err error
	if sess.StartedAt, err = parseTime(started); err != nil {
		return Session{}, err
	}
	if ended.Valid {
		end, err := parseTime(ended.String)
		if err != nil {
			return Session{}, err
		}
		sess.EndedAt = &end
	}
	if score.Valid {
		v := score.Float64
		sess.Score = &v
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}
