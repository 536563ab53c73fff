package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/focuslens/internal/events"
)

// InMemoryStore is a simple in-process event log for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	emotions map[string][]events.EmotionEvent
	focus    map[string][]events.FocusEvent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		emotions: make(map[string][]events.EmotionEvent),
		focus:    make(map[string][]events.FocusEvent),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, subjectID string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.SubjectID == subjectID && !existing.Closed() {
			return "", ErrSubjectBusy
		}
	}
	id := uuid.NewString()
	s.sessions[id] = &Session{ID: id, SubjectID: subjectID, StartedAt: startedAt.UTC()}
	return id, nil
}

func (s *InMemoryStore) AppendEmotionEvent(_ context.Context, ev events.EmotionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ev.SessionID]; !ok {
		return ErrNotFound
	}
	ev.At = ev.At.UTC()
	s.emotions[ev.SessionID] = append(s.emotions[ev.SessionID], ev)
	return nil
}

func (s *InMemoryStore) AppendFocusEvent(_ context.Context, ev events.FocusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ev.SessionID]; !ok {
		return ErrNotFound
	}
	ev.At = ev.At.UTC()
	s.focus[ev.SessionID] = append(s.focus[ev.SessionID], ev)
	return nil
}

func (s *InMemoryStore) CloseSession(_ context.Context, sessionID string, endedAt time.Time, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Closed() {
		return ErrAlreadyClosed
	}
	end := endedAt.UTC()
	if end.Before(sess.StartedAt) {
		end = sess.StartedAt
	}
	sess.EndedAt = &end
	sess.Score = &score
	return nil
}

func (s *InMemoryStore) ReadEvents(_ context.Context, sessionID string) ([]events.EmotionEvent, []events.FocusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, nil, ErrNotFound
	}
	emo := append([]events.EmotionEvent(nil), s.emotions[sessionID]...)
	foc := make([]events.FocusEvent, 0, len(s.focus[sessionID]))
	for _, f := range s.focus[sessionID] {
		f.Status = events.ParseFocusStatus(string(f.Status))
		foc = append(foc, f)
	}
	sort.SliceStable(emo, func(i, j int) bool { return emo[i].At.Before(emo[j].At) })
	sort.SliceStable(foc, func(i, j int) bool { return foc[i].At.Before(foc[j].At) })
	return emo, foc, nil
}

func (s *InMemoryStore) ReadSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, subjectID string, completedOnly bool, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0)
	for _, sess := range s.sessions {
		if subjectID != "" && sess.SubjectID != subjectID {
			continue
		}
		if completedOnly && !sess.Closed() {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListSubjects(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, sess := range s.sessions {
		if _, ok := seen[sess.SubjectID]; ok {
			continue
		}
		seen[sess.SubjectID] = struct{}{}
		out = append(out, sess.SubjectID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func cloneSession(s *Session) Session {
	c := *s
	if s.EndedAt != nil {
		end := *s.EndedAt
		c.EndedAt = &end
	}
	if s.Score != nil {
		score := *s.Score
		c.Score = &score
	}
	return c
}
