package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/focuslens/internal/events"
)

// PostgresStore persists sessions and their event log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			productivity_score DOUBLE PRECISION NULL,
			CHECK (ended_at IS NULL OR ended_at >= started_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_subject_started ON sessions (subject_id, started_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_running_subject ON sessions (subject_id) WHERE ended_at IS NULL;`,
		`CREATE TABLE IF NOT EXISTS emotion_logs (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			at TIMESTAMPTZ NOT NULL,
			emotion TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_emotion_logs_session_at ON emotion_logs (session_id, at);`,
		`CREATE TABLE IF NOT EXISTS focus_logs (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_focus_logs_session_at ON focus_logs (session_id, at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, subjectID string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, subject_id, started_at) VALUES ($1, $2, $3)`,
		id, subjectID, startedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrSubjectBusy
		}
		return "", persistenceErr("create session", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendEmotionEvent(ctx context.Context, ev events.EmotionEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO emotion_logs (session_id, at, emotion, confidence) VALUES ($1, $2, $3, $4)`,
		ev.SessionID, ev.At.UTC(), string(ev.Label), ev.Confidence,
	)
	if err != nil {
		return persistenceErr("append emotion event", err)
	}
	return nil
}

func (s *PostgresStore) AppendFocusEvent(ctx context.Context, ev events.FocusEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO focus_logs (session_id, at, status) VALUES ($1, $2, $3)`,
		ev.SessionID, ev.At.UTC(), string(ev.Status),
	)
	if err != nil {
		return persistenceErr("append focus event", err)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = GREATEST($2, started_at), productivity_score = $3
		  WHERE id = $1 AND ended_at IS NULL`,
		sessionID, endedAt.UTC(), score,
	)
	if err != nil {
		return persistenceErr("close session", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.ReadSession(ctx, sessionID); err != nil {
		return err
	}
	return ErrAlreadyClosed
}

func (s *PostgresStore) ReadEvents(ctx context.Context, sessionID string) ([]events.EmotionEvent, []events.FocusEvent, error) {
	if _, err := s.ReadSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, at, emotion, confidence FROM emotion_logs WHERE session_id=$1 ORDER BY at, id`,
		sessionID,
	)
	if err != nil {
		return nil, nil, persistenceErr("query emotion events", err)
	}
	emo, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.EmotionEvent, error) {
		var (
			ev    events.EmotionEvent
			label string
		)
		if err := row.Scan(&ev.SessionID, &ev.At, &label, &ev.Confidence); err != nil {
			return ev, err
		}
		ev.Label = events.ParseEmotionLabel(label)
		return ev, nil
	})
	if err != nil {
		return nil, nil, persistenceErr("scan emotion events", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT session_id, at, status FROM focus_logs WHERE session_id=$1 ORDER BY at, id`,
		sessionID,
	)
	if err != nil {
		return nil, nil, persistenceErr("query focus events", err)
	}
	foc, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.FocusEvent, error) {
		var (
			ev     events.FocusEvent
			status string
		)
		if err := row.Scan(&ev.SessionID, &ev.At, &status); err != nil {
			return ev, err
		}
		ev.Status = events.ParseFocusStatus(status)
		return ev, nil
	})
	if err != nil {
		return nil, nil, persistenceErr("scan focus events", err)
	}
	return emo, foc, nil
}

func (s *PostgresStore) ReadSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, started_at, ended_at, productivity_score FROM sessions WHERE id=$1`,
		sessionID,
	)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.SubjectID, &sess.StartedAt, &sess.EndedAt, &sess.Score); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, persistenceErr("read session", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, subjectID string, completedOnly bool, limit int) ([]Session, error) {
	// LIMIT NULL is no limit.
	var lim *int64
	if limit > 0 {
		n := int64(limit)
		lim = &n
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, subject_id, started_at, ended_at, productivity_score FROM sessions
		  WHERE ($1 = '' OR subject_id = $1) AND (NOT $2 OR ended_at IS NOT NULL)
		  ORDER BY started_at DESC LIMIT $3`,
		subjectID, completedOnly, lim,
	)
	if err != nil {
		return nil, persistenceErr("list sessions", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.SubjectID, &sess.StartedAt, &sess.EndedAt, &sess.Score); err != nil {
			return nil, persistenceErr("scan session row", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate session rows", err)
	}
	return out, nil
}

func (s *PostgresStore) ListSubjects(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT subject_id FROM sessions ORDER BY subject_id`)
	if err != nil {
		return nil, persistenceErr("list subjects", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistenceErr("scan subject rows", err)
	}
	return out, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
