package sampler

import (
	"sync"
	"time"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/focus"
	"github.com/antoniostano/focuslens/internal/redact"
)

// Live is the per-session sampling context: counters and last-known values
// read by presentation while the scheduler writes them.
type Live struct {
	mu                  sync.RWMutex
	sessionID           string
	startedAt           time.Time
	frames              int
	focused             int
	distracted          int
	status              events.FocusStatus
	faces               int
	eyes                int
	emotion             events.EmotionLabel
	confidence          float64
	emotionAt           time.Time
	lastError           string
	lastErrorCode       string
	lastFrameAt         time.Time
	consecutiveFailures int
	frameFailures       int
	persistFailures     int
}

type Snapshot struct {
	SessionID           string              `json:"session_id"`
	StartedAt           time.Time           `json:"started_at"`
	Frames              int                 `json:"frames"`
	FocusedCount        int                 `json:"focused_count"`
	DistractedCount     int                 `json:"distracted_count"`
	Status              events.FocusStatus  `json:"status,omitempty"`
	Faces               int                 `json:"faces"`
	Eyes                int                 `json:"eyes"`
	Emotion             events.EmotionLabel `json:"emotion,omitempty"`
	Confidence          float64             `json:"confidence"`
	EmotionAt           *time.Time          `json:"emotion_at,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	LastErrorCode       string              `json:"last_error_code,omitempty"`
	LastFrameAt         *time.Time          `json:"last_frame_at,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_frame_failures"`
	FrameFailures       int                 `json:"frame_failures"`
	PersistFailures     int                 `json:"persist_failures"`
}

func NewLive(sessionID string, startedAt time.Time) *Live {
	return &Live{sessionID: sessionID, startedAt: startedAt}
}

func (l *Live) frameRead(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames++
	l.lastFrameAt = at
	l.consecutiveFailures = 0
}

func (l *Live) frameFailed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveFailures++
	l.frameFailures++
	return l.consecutiveFailures
}

func (l *Live) focusObserved(res focus.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = res.Status
	l.faces = res.Faces
	l.eyes = res.Eyes
	if res.Status == events.FocusFocused {
		l.focused++
	} else {
		l.distracted++
	}
}

func (l *Live) emotionObserved(label events.EmotionLabel, confidence float64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emotion = label
	l.confidence = confidence
	l.emotionAt = at
	l.lastError = ""
	l.lastErrorCode = ""
}

func (l *Live) emotionFailed(code string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastErrorCode = code
	l.lastError = redact.Error(err)
}

func (l *Live) persistFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persistFailures++
}

// LastActivity is the last frame time, or the start time before any frame.
func (l *Live) LastActivity() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastFrameAt.IsZero() {
		return l.startedAt
	}
	return l.lastFrameAt
}

func (l *Live) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Snapshot{
		SessionID:           l.sessionID,
		StartedAt:           l.startedAt,
		Frames:              l.frames,
		FocusedCount:        l.focused,
		DistractedCount:     l.distracted,
		Status:              l.status,
		Faces:               l.faces,
		Eyes:                l.eyes,
		Emotion:             l.emotion,
		Confidence:          l.confidence,
		LastError:           l.lastError,
		LastErrorCode:       l.lastErrorCode,
		ConsecutiveFailures: l.consecutiveFailures,
		FrameFailures:       l.frameFailures,
		PersistFailures:     l.persistFailures,
	}
	if !l.emotionAt.IsZero() {
		at := l.emotionAt
		s.EmotionAt = &at
	}
	if !l.lastFrameAt.IsZero() {
		at := l.lastFrameAt
		s.LastFrameAt = &at
	}
	return s
}
