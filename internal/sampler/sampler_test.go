package sampler

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/focuslens/internal/classifier"
	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/focus"
	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/session"
	"github.com/antoniostano/focuslens/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingSource serves a fixed number of frames, advancing the clock per frame.
type countingSource struct {
	total   int
	served  int
	clock   *fakeClock
	step    time.Duration
	release chan struct{}
}

func (s *countingSource) Next(ctx context.Context) (frame.Frame, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
	if s.served >= s.total {
		return frame.Frame{}, frame.ErrSourceExhausted
	}
	s.served++
	if s.clock != nil {
		s.clock.Advance(s.step)
	}
	return frame.Frame{Seq: int64(s.served), Image: image.NewGray(image.Rect(0, 0, 8, 8))}, nil
}

func (s *countingSource) Close() error { return nil }

type failingSource struct{}

func (failingSource) Next(context.Context) (frame.Frame, error) {
	return frame.Frame{}, frame.ErrFrameUnavailable
}

func (failingSource) Close() error { return nil }

type fixedDetector struct {
	status events.FocusStatus
}

func (d fixedDetector) Evaluate(frame.Frame) focus.Result {
	return focus.Result{Status: d.status, Faces: 1, Eyes: 2}
}

type countingClassifier struct {
	calls atomic.Int32
	err   error
	label events.EmotionLabel
}

func (c *countingClassifier) ClassifyEmotion(context.Context, frame.Frame) (classifier.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return classifier.Result{}, c.err
	}
	return classifier.Result{Label: c.label, Confidence: 1.4}, nil
}

func (c *countingClassifier) Name() string { return "counting" }

func testCadence() Cadence {
	return Cadence{
		FocusEvery:       15,
		EmotionEvery:     60,
		EmotionInterval:  2 * time.Second,
		EmotionRetryGap:  500 * time.Millisecond,
		FrameBackoffBase: time.Millisecond,
		FrameBackoffCap:  2 * time.Millisecond,
	}
}

func newSessionFixture(t *testing.T) (store.Store, string) {
	t.Helper()
	st := store.NewInMemoryStore()
	id, err := st.CreateSession(context.Background(), "student-1", time.Now().UTC())
	require.NoError(t, err)
	return st, id
}

func TestSchedulerCadenceCounts(t *testing.T) {
	st, id := newSessionFixture(t)
	clock := newFakeClock()
	cls := &countingClassifier{label: events.EmotionHappy}
	s := NewScheduler(SchedulerConfig{
		Source:     &countingSource{total: 120},
		Detector:   fixedDetector{status: events.FocusFocused},
		Classifier: cls,
		Store:      st,
		Cadence:    testCadence(),
		Clock:      clock.Now,
	})
	live := NewLive(id, clock.Now())

	reason, err := s.Run(context.Background(), id, live)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, reason)

	emo, foc, err := st.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, foc, 8)
	// The clock stands still, so only frames 60 and 120.
	assert.Len(t, emo, 2)
	for _, ev := range emo {
		assert.Equal(t, 1.0, ev.Confidence)
	}

	snap := live.Snapshot()
	assert.Equal(t, 120, snap.Frames)
	assert.Equal(t, 8, snap.FocusedCount)
	assert.Equal(t, 0, snap.DistractedCount)
	assert.Equal(t, events.FocusFocused, snap.Status)
	assert.Equal(t, events.EmotionHappy, snap.Emotion)
}

func TestSchedulerEmotionTimeTrigger(t *testing.T) {
	st, id := newSessionFixture(t)
	clock := newFakeClock()
	s := NewScheduler(SchedulerConfig{
		Source:     &countingSource{total: 10, clock: clock, step: time.Second},
		Detector:   fixedDetector{status: events.FocusDistracted},
		Classifier: &countingClassifier{label: events.EmotionNeutral},
		Store:      st,
		Cadence:    testCadence(),
		Clock:      clock.Now,
	})

	_, err := s.Run(context.Background(), id, NewLive(id, clock.Now()))
	require.NoError(t, err)

	emo, _, err := st.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	// One second per frame, strictly more than two seconds: frames 3, 6, 9.
	assert.Len(t, emo, 3)
}

func TestSchedulerFirstEmotionWaitsForCadence(t *testing.T) {
	st, id := newSessionFixture(t)
	clock := newFakeClock()
	cls := &countingClassifier{label: events.EmotionHappy}
	s := NewScheduler(SchedulerConfig{
		Source:     &countingSource{total: 59, clock: clock, step: 10 * time.Millisecond},
		Detector:   fixedDetector{status: events.FocusFocused},
		Classifier: cls,
		Store:      st,
		Cadence:    testCadence(),
		Clock:      clock.Now,
	})

	_, err := s.Run(context.Background(), id, NewLive(id, clock.Now()))
	require.NoError(t, err)

	// 59 frames in 0.59s reach neither 60 frames nor the 2s interval.
	assert.Equal(t, int32(0), cls.calls.Load())
	emo, _, err := st.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, emo)
}

func TestSchedulerUnavailableClassifierRetryGap(t *testing.T) {
	st, id := newSessionFixture(t)
	clock := newFakeClock()
	cls := &countingClassifier{err: classifier.ErrUnavailable}
	s := NewScheduler(SchedulerConfig{
		Source:     &countingSource{total: 40, clock: clock, step: 100 * time.Millisecond},
		Detector:   fixedDetector{status: events.FocusFocused},
		Classifier: cls,
		Store:      st,
		Cadence:    testCadence(),
		Clock:      clock.Now,
	})
	live := NewLive(id, clock.Now())

	_, err := s.Run(context.Background(), id, live)
	require.NoError(t, err)

	// First try after 2s, then every 500ms at 100ms per frame: frames 21, 26, 31, 36.
	assert.Equal(t, int32(4), cls.calls.Load())
	emo, foc, err := st.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, emo)
	assert.Len(t, foc, 2)

	snap := live.Snapshot()
	assert.Equal(t, "unavailable", snap.LastErrorCode)
	assert.Empty(t, snap.Emotion)
}

func TestSchedulerAbortsAfterMaxFrameFailures(t *testing.T) {
	st, id := newSessionFixture(t)
	cadence := testCadence()
	cadence.MaxFrameFailures = 3
	s := NewScheduler(SchedulerConfig{
		Source:  failingSource{},
		Store:   st,
		Cadence: cadence,
	})
	live := NewLive(id, time.Now())

	reason, err := s.Run(context.Background(), id, live)
	require.ErrorIs(t, err, ErrTooManyFrameFailures)
	assert.Equal(t, StopFrameFailures, reason)
	assert.Equal(t, 3, live.Snapshot().FrameFailures)
}

func TestSchedulerStopsWhenCancelled(t *testing.T) {
	st, id := newSessionFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScheduler(SchedulerConfig{
		Source:  &countingSource{total: 100},
		Store:   st,
		Cadence: testCadence(),
	})

	reason, err := s.Run(ctx, id, NewLive(id, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, StopRequested, reason)

	emo, foc, err := st.ReadEvents(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, emo)
	assert.Empty(t, foc)
}

// brokenStore fails every append but keeps sessions.
type brokenStore struct {
	store.Store
}

func (brokenStore) AppendFocusEvent(context.Context, events.FocusEvent) error {
	return store.ErrPersistence
}

func (brokenStore) AppendEmotionEvent(context.Context, events.EmotionEvent) error {
	return store.ErrPersistence
}

func TestSchedulerContinuesAfterPersistenceFailure(t *testing.T) {
	base, id := newSessionFixture(t)
	var errorsSeen atomic.Int32
	s := NewScheduler(SchedulerConfig{
		Source:     &countingSource{total: 60},
		Detector:   fixedDetector{status: events.FocusFocused},
		Classifier: &countingClassifier{label: events.EmotionHappy},
		Store:      brokenStore{Store: base},
		Cadence:    testCadence(),
		Observer: func(u Update) {
			if u.Kind == UpdateError && u.Code == "persistence" {
				errorsSeen.Add(1)
			}
		},
	})
	live := NewLive(id, time.Now())

	reason, err := s.Run(context.Background(), id, live)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, reason)
	assert.Equal(t, 60, live.Snapshot().Frames)
	// Focus at frames 15, 30, 45, 60 and emotion at frame 60.
	assert.Equal(t, 5, live.Snapshot().PersistFailures)
	assert.Equal(t, int32(5), errorsSeen.Load())
}

func newTestRunner(st store.Store, cls classifier.Classifier) *Runner {
	sessions := session.NewManager(st, session.Options{CloseRetries: 1})
	return NewRunner(RunnerConfig{
		Sessions:   sessions,
		Store:      st,
		Detector:   fixedDetector{status: events.FocusFocused},
		Classifier: cls,
		Cadence:    testCadence(),
	})
}

func closedUpdate(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatalf("updates closed without a closed update")
			}
			if u.Kind == UpdateClosed {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for closed update")
		}
	}
}

func TestRunnerClosesSessionWhenSourceIsExhausted(t *testing.T) {
	st := store.NewInMemoryStore()
	r := newTestRunner(st, &countingClassifier{label: events.EmotionHappy})
	release := make(chan struct{})

	h, err := r.Start(context.Background(), "student-1", &countingSource{total: 60, release: release})
	require.NoError(t, err)
	updates, unsubscribe, err := r.Subscribe(h.ID, 256)
	require.NoError(t, err)
	defer unsubscribe()
	close(release)

	u := closedUpdate(t, updates)
	assert.Equal(t, string(StopExhausted), u.Code)
	require.NotNil(t, u.Session)
	assert.Equal(t, session.StateClosed, u.Session.State)
	require.NotNil(t, u.Session.Score)
	assert.Equal(t, 100.0, *u.Session.Score)

	stored, err := st.ReadSession(context.Background(), h.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 100.0, *stored.Score)
}

func TestRunnerStopClosesSessionAndNotifiesSubscribers(t *testing.T) {
	st := store.NewInMemoryStore()
	r := newTestRunner(st, classifier.NewUnavailable())
	src := frame.NewChannelSource(1, 10*time.Millisecond)

	h, err := r.Start(context.Background(), "student-1", src)
	require.NoError(t, err)
	_, err = r.Start(context.Background(), "student-1", frame.NewChannelSource(1, time.Millisecond))
	require.ErrorIs(t, err, session.ErrInvalidState)

	updates, unsubscribe, err := r.Subscribe(h.ID, 64)
	require.NoError(t, err)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Stop(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StopRequested, res.Reason)
	require.NotNil(t, res.Session.Score)
	assert.Equal(t, 0.0, *res.Session.Score)

	var sawClosed bool
	for u := range updates {
		if u.Kind == UpdateClosed {
			sawClosed = true
			require.NotNil(t, u.Session)
			assert.Equal(t, h.ID, u.Session.ID)
		}
	}
	assert.True(t, sawClosed)

	_, err = r.Stop(ctx, h.ID)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, r.Running())
}

func TestRunnerIdleJanitorStopsSilentSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	r := newTestRunner(st, classifier.NewUnavailable())
	h, err := r.Start(context.Background(), "student-1", frame.NewChannelSource(1, 10*time.Millisecond))
	require.NoError(t, err)
	updates, unsubscribe, err := r.Subscribe(h.ID, 256)
	require.NoError(t, err)
	defer unsubscribe()

	assert.Equal(t, 0, r.stopIdle(time.Now().UTC()))
	assert.Equal(t, 1, r.stopIdle(time.Now().UTC().Add(time.Hour)))

	u := closedUpdate(t, updates)
	assert.Equal(t, string(StopIdle), u.Code)
	require.NotNil(t, u.Session)
	assert.Equal(t, session.StateClosed, u.Session.State)
}
