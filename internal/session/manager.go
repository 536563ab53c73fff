// Package session owns the Idle -> Running -> Closed lifecycle of observation
// sessions and the registry of sessions running in this process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/focuslens/internal/redact"
	"github.com/antoniostano/focuslens/internal/reliability"
	"github.com/antoniostano/focuslens/internal/scoring"
	"github.com/antoniostano/focuslens/internal/store"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateClosed  State = "closed"
)

var (
	ErrInvalidState = errors.New("invalid session state")
	ErrNotFound     = errors.New("session not found")
)

// Handle identifies a started session. It is immutable and safe to share.
type Handle struct {
	ID        string    `json:"session_id"`
	SubjectID string    `json:"subject_id"`
	StartedAt time.Time `json:"started_at"`
}

type Session struct {
	ID        string             `json:"session_id"`
	SubjectID string             `json:"subject_id"`
	State     State              `json:"state"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Score     *float64           `json:"productivity_score,omitempty"`
	Breakdown *scoring.Breakdown `json:"breakdown,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

// PendingClose is a session whose close could not be persisted yet.
type PendingClose struct {
	SessionID string    `json:"session_id"`
	SubjectID string    `json:"subject_id"`
	EndedAt   time.Time `json:"ended_at"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
}

type Options struct {
	// CloseRetries is the number of attempts Close makes before queueing.
	CloseRetries int
	RetryBase    time.Duration
	RetryCap     time.Duration
	// Retention is how long closed sessions stay in the registry.
	Retention    time.Duration
}

type entry struct {
	session Session
	closing bool
}

type Manager struct {
	mu               sync.RWMutex
	sessions         map[string]*entry
	sessionBySubject map[string]string
	starting         map[string]struct{}
	pending          map[string]*PendingClose
	store            store.Store
	opts             Options
	onClose          func(Session)
	now              func() time.Time
}

func NewManager(st store.Store, opts Options) *Manager {
	if opts.CloseRetries <= 0 {
		opts.CloseRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 2 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	return &Manager{
		sessions:         make(map[string]*entry),
		sessionBySubject: make(map[string]string),
		starting:         make(map[string]struct{}),
		pending:          make(map[string]*PendingClose),
		store:            st,
		opts:             opts,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetCloseHook registers a callback run after every successful close.
func (m *Manager) SetCloseHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = hook
}

func (m *Manager) Start(ctx context.Context, subjectID string) (Handle, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Handle{}, fmt.Errorf("%w: subject_id is required", ErrInvalidState)
	}

	m.mu.Lock()
	if id, ok := m.sessionBySubject[subjectID]; ok {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: subject %s already running session %s", ErrInvalidState, subjectID, id)
	}
	if _, ok := m.starting[subjectID]; ok {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: subject %s is starting a session", ErrInvalidState, subjectID)
	}
	m.starting[subjectID] = struct{}{}
	m.mu.Unlock()

	startedAt := m.now()
	id, err := m.store.CreateSession(ctx, subjectID, startedAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.starting, subjectID)
	if err != nil {
		if errors.Is(err, store.ErrSubjectBusy) {
			return Handle{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return Handle{}, fmt.Errorf("start session: %w", err)
	}

	m.sessions[id] = &entry{session: Session{
		ID:        id,
		SubjectID: subjectID,
		State:     StateRunning,
		StartedAt: startedAt,
	}}
	m.sessionBySubject[subjectID] = id
	log.Printf("session: started %s for subject %s", id, redact.Subject(subjectID))
	return Handle{ID: id, SubjectID: subjectID, StartedAt: startedAt}, nil
}

// Close scores the session from its stored event log and persists the result.
// A session closes at most once; later calls return ErrInvalidState.
func (m *Manager) Close(ctx context.Context, h Handle) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[h.ID]
	if !ok || e.session.State != StateRunning || e.closing {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: session %s is not running", ErrInvalidState, h.ID)
	}
	e.closing = true
	endedAt := m.now()
	if p, queued := m.pending[h.ID]; queued {
		endedAt = p.EndedAt
	}
	if endedAt.Before(e.session.StartedAt) {
		endedAt = e.session.StartedAt
	}
	m.mu.Unlock()

	var (
		breakdown scoring.Breakdown
		err       error
	)
	for attempt := 0; attempt < m.opts.CloseRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, m.opts.RetryBase, m.opts.RetryCap)); sleepErr != nil {
				err = fmt.Errorf("%w: %v", store.ErrPersistence, sleepErr)
				break
			}
		}
		breakdown, err = m.finalize(ctx, h.ID, endedAt)
		if err == nil || !errors.Is(err, store.ErrPersistence) {
			break
		}
		log.Printf("session: close attempt %d for %s failed: %v", attempt+1, h.ID, err)
	}

	if err != nil {
		m.mu.Lock()
		e.closing = false
		e.session.LastError = err.Error()
		if errors.Is(err, store.ErrPersistence) {
			m.enqueueLocked(e.session, endedAt, m.opts.CloseRetries, err)
		}
		m.mu.Unlock()
		return Session{}, fmt.Errorf("close session %s: %w", h.ID, err)
	}
	return m.markClosed(h.ID, endedAt, breakdown), nil
}

// finalize reads the log, scores it and writes the close in one attempt.
func (m *Manager) finalize(ctx context.Context, sessionID string, endedAt time.Time) (scoring.Breakdown, error) {
	emotions, focus, err := m.store.ReadEvents(ctx, sessionID)
	if err != nil {
		return scoring.Breakdown{}, err
	}
	breakdown := scoring.Score(emotions, focus)
	err = m.store.CloseSession(ctx, sessionID, endedAt, breakdown.Productivity)
	if errors.Is(err, store.ErrAlreadyClosed) {
		// An earlier attempt landed even though it reported failure.
		stored, readErr := m.store.ReadSession(ctx, sessionID)
		if readErr != nil {
			return scoring.Breakdown{}, readErr
		}
		if stored.Score != nil {
			breakdown.Productivity = *stored.Score
		}
		return breakdown, nil
	}
	return breakdown, err
}

func (m *Manager) markClosed(sessionID string, endedAt time.Time, breakdown scoring.Breakdown) Session {
	m.mu.Lock()
	e := m.sessions[sessionID]
	score := breakdown.Productivity
	e.closing = false
	e.session.State = StateClosed
	e.session.EndedAt = &endedAt
	e.session.Score = &score
	e.session.Breakdown = &breakdown
	e.session.LastError = ""
	if m.sessionBySubject[e.session.SubjectID] == sessionID {
		delete(m.sessionBySubject, e.session.SubjectID)
	}
	delete(m.pending, sessionID)
	out := cloneSession(e.session)
	hook := m.onClose
	m.mu.Unlock()

	log.Printf("session: closed %s score=%.2f", sessionID, score)
	if hook != nil {
		hook(out)
	}
	return out
}

func (m *Manager) enqueueLocked(s Session, endedAt time.Time, attempts int, err error) {
	p, ok := m.pending[s.ID]
	if !ok {
		p = &PendingClose{
			SessionID: s.ID,
			SubjectID: s.SubjectID,
			EndedAt:   endedAt,
			QueuedAt:  m.now(),
		}
		m.pending[s.ID] = p
		log.Printf("session: queued %s for close reconciliation", s.ID)
	}
	p.Attempts += attempts
	p.LastError = err.Error()
}

// Reconcile makes one close attempt for every queued session.
// It returns how many were closed.
func (m *Manager) Reconcile(ctx context.Context) int {
	m.mu.Lock()
	var ids []string
	for id := range m.pending {
		if e, ok := m.sessions[id]; ok && e.session.State == StateRunning && !e.closing {
			e.closing = true
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	closed := 0
	for _, id := range ids {
		m.mu.RLock()
		endedAt := m.pending[id].EndedAt
		m.mu.RUnlock()

		breakdown, err := m.finalize(ctx, id, endedAt)
		if err != nil {
			m.mu.Lock()
			e := m.sessions[id]
			e.closing = false
			e.session.LastError = err.Error()
			m.enqueueLocked(e.session, endedAt, 1, err)
			m.mu.Unlock()
			continue
		}
		m.markClosed(id, endedAt, breakdown)
		closed++
	}
	return closed
}

// StartJanitor periodically reconciles queued closes and forgets closed
// sessions older than the retention window.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Reconcile(ctx); n > 0 {
					log.Printf("session: reconciled %d queued closes", n)
				}
				m.evictClosed()
			}
		}
	}()
}

func (m *Manager) evictClosed() {
	cutoff := m.now().Add(-m.opts.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.sessions {
		if e.session.State == StateClosed && e.session.EndedAt != nil && e.session.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

// Get returns the registry view of a session, falling back to the store for
// sessions this process no longer tracks.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	var out Session
	if ok {
		out = cloneSession(e.session)
	}
	m.mu.RUnlock()
	if ok {
		return out, nil
	}

	stored, err := m.store.ReadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	state := StateRunning
	if stored.Closed() {
		state = StateClosed
	}
	return Session{
		ID:        stored.ID,
		SubjectID: stored.SubjectID,
		State:     state,
		StartedAt: stored.StartedAt,
		EndedAt:   stored.EndedAt,
		Score:     stored.Score,
	}, nil
}

// Handle returns the handle of a session running in this process.
func (m *Manager) Handle(sessionID string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return Handle{ID: e.session.ID, SubjectID: e.session.SubjectID, StartedAt: e.session.StartedAt}, nil
}

func (m *Manager) ActiveForSubject(subjectID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionBySubject[strings.TrimSpace(subjectID)]
	if !ok {
		return Handle{}, false
	}
	e := m.sessions[id]
	return Handle{ID: e.session.ID, SubjectID: e.session.SubjectID, StartedAt: e.session.StartedAt}, true
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.State == StateRunning {
			count++
		}
	}
	return count
}

// Pending lists sessions awaiting close reconciliation, oldest first.
func (m *Manager) Pending() []PendingClose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingClose, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

func cloneSession(s Session) Session {
	c := s
	if s.EndedAt != nil {
		end := *s.EndedAt
		c.EndedAt = &end
	}
	if s.Score != nil {
		score := *s.Score
		c.Score = &score
	}
	if s.Breakdown != nil {
		b := *s.Breakdown
		c.Breakdown = &b
	}
	return c
}
