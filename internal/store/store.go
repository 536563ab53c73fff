package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/focuslens/internal/events"
)

var (
	ErrNotFound      = errors.New("session not found in store")
	ErrAlreadyClosed = errors.New("session already closed")
	ErrSubjectBusy   = errors.New("subject already has a running session")
	// ErrPersistence wraps every failed write or read against the backing store.
	ErrPersistence = errors.New("persistence failure")
)

// Session is the stored session row. EndedAt and Score stay nil until close.
type Session struct {
	ID        string     `json:"session_id"`
	SubjectID string     `json:"subject_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Score     *float64   `json:"productivity_score,omitempty"`
}

func (s Session) Closed() bool { return s.EndedAt != nil }

// Duration is the wall-clock length of a closed session, or time since start.
func (s Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Store is the append-only event log keyed by session. All writes are synchronous.
type Store interface {
	CreateSession(ctx context.Context, subjectID string, startedAt time.Time) (string, error)
	AppendEmotionEvent(ctx context.Context, ev events.EmotionEvent) error
	AppendFocusEvent(ctx context.Context, ev events.FocusEvent) error
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time, score float64) error
	ReadEvents(ctx context.Context, sessionID string) ([]events.EmotionEvent, []events.FocusEvent, error)
	ReadSession(ctx context.Context, sessionID string) (Session, error)
	// ListSessions returns sessions newest first. A limit <= 0 returns all.
	ListSessions(ctx context.Context, subjectID string, completedOnly bool, limit int) ([]Session, error)
	ListSubjects(ctx context.Context) ([]string, error)
	Mode() string
	Close() error
}

// NewStore picks a backend from the database URL: empty for in-memory,
// postgres:// for PostgreSQL, sqlite:// or file: for SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
	}
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrPersistence, err)
}
