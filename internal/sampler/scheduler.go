// Package sampler drives the dual-cadence sampling loop over a frame source:
// focus checks every few frames and emotion classification on a slower,
// partly time-based cadence.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/focuslens/internal/classifier"
	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/focus"
	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/observability"
	"github.com/antoniostano/focuslens/internal/redact"
	"github.com/antoniostano/focuslens/internal/reliability"
	"github.com/antoniostano/focuslens/internal/session"
	"github.com/antoniostano/focuslens/internal/store"
)

var ErrTooManyFrameFailures = errors.New("too many consecutive frame failures")

type Cadence struct {
	FocusEvery      int
	EmotionEvery    int
	EmotionInterval time.Duration
	// EmotionRetryGap spaces time-triggered retries after a failed classification.
	EmotionRetryGap time.Duration
	// FrameInterval is the minimum cycle length. Zero disables pacing.
	FrameInterval    time.Duration
	MaxFrameFailures int
	FrameBackoffBase time.Duration
	FrameBackoffCap  time.Duration
	WarnEvery        int
}

func DefaultCadence() Cadence {
	return Cadence{
		FocusEvery:       15,
		EmotionEvery:     60,
		EmotionInterval:  2 * time.Second,
		EmotionRetryGap:  500 * time.Millisecond,
		FrameInterval:    33 * time.Millisecond,
		FrameBackoffBase: 100 * time.Millisecond,
		FrameBackoffCap:  time.Second,
		WarnEvery:        30,
	}
}

func (c Cadence) normalized() Cadence {
	def := DefaultCadence()
	if c.FocusEvery <= 0 {
		c.FocusEvery = def.FocusEvery
	}
	if c.EmotionEvery <= 0 {
		c.EmotionEvery = def.EmotionEvery
	}
	if c.EmotionInterval <= 0 {
		c.EmotionInterval = def.EmotionInterval
	}
	if c.EmotionRetryGap <= 0 {
		c.EmotionRetryGap = def.EmotionRetryGap
	}
	if c.FrameInterval < 0 {
		c.FrameInterval = 0
	}
	if c.MaxFrameFailures < 0 {
		c.MaxFrameFailures = 0
	}
	if c.FrameBackoffBase <= 0 {
		c.FrameBackoffBase = def.FrameBackoffBase
	}
	if c.FrameBackoffCap < c.FrameBackoffBase {
		c.FrameBackoffCap = c.FrameBackoffBase
	}
	if c.WarnEvery <= 0 {
		c.WarnEvery = def.WarnEvery
	}
	return c
}

// StopReason says why sampling ended.
type StopReason string

const (
	StopRequested     StopReason = "stopped"
	StopExhausted     StopReason = "source_exhausted"
	StopFrameFailures StopReason = "frame_failures"
	StopIdle          StopReason = "idle"
)

type UpdateKind string

const (
	UpdateFocus   UpdateKind = "focus"
	UpdateEmotion UpdateKind = "emotion"
	UpdateStatus  UpdateKind = "status"
	UpdateError   UpdateKind = "error"
	UpdateClosed  UpdateKind = "closed"
)

// Update is what live consumers (websocket clients, the watch command) see.
type Update struct {
	Kind      UpdateKind
	SessionID string
	At        time.Time
	Focus     *focus.Result
	Emotion   *classifier.Result
	Code      string
	Message   string
	Live      Snapshot
	Session   *session.Session
}

type Observer func(Update)

// FocusDetector is satisfied by *focus.Detector.
type FocusDetector interface {
	Evaluate(f frame.Frame) focus.Result
}

type Scheduler struct {
	source     frame.Source
	detector   FocusDetector
	classifier classifier.Classifier
	store      store.Store
	cadence    Cadence
	metrics    *observability.Metrics
	observer   Observer
	clock      func() time.Time
}

type SchedulerConfig struct {
	Source     frame.Source
	Detector   FocusDetector
	Classifier classifier.Classifier
	Store      store.Store
	Cadence    Cadence
	Metrics    *observability.Metrics
	Observer   Observer
	// Clock overrides time.Now for cadence decisions.
	Clock func() time.Time
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		source:     cfg.Source,
		detector:   cfg.Detector,
		classifier: cfg.Classifier,
		store:      cfg.Store,
		cadence:    cfg.Cadence.normalized(),
		metrics:    cfg.Metrics,
		observer:   cfg.Observer,
		clock:      cfg.Clock,
	}
	if s.classifier == nil {
		s.classifier = classifier.NewUnavailable()
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Run samples until ctx is cancelled, the source is exhausted, or frame
// failures exceed the configured bound. Cancellation is only observed between
// cycles, so an in-flight classification always completes.
func (s *Scheduler) Run(ctx context.Context, sessionID string, live *Live) (StopReason, error) {
	var (
		frameCount     int
		lastEmotionTry time.Time
	)
	// The interval runs from loop start, so the first classification waits
	// for EmotionEvery frames or EmotionInterval, whichever comes first.
	lastEmotionOK := s.clock()
	// Work inside a cycle runs to completion even after a stop request.
	cycleCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return StopRequested, nil
		}
		cycleStart := time.Now()

		f, err := s.source.Next(ctx)
		s.metrics.ObserveCycleStage(observability.StageFrameRead, time.Since(cycleStart))
		if err != nil {
			switch {
			case errors.Is(err, frame.ErrSourceExhausted):
				log.Printf("sampler: session %s source exhausted after %d frames", sessionID, frameCount)
				return StopExhausted, nil
			case ctx.Err() != nil:
				return StopRequested, nil
			}
			if stop, abortErr := s.frameFailure(ctx, sessionID, live, err); stop {
				return StopFrameFailures, abortErr
			}
			continue
		}

		frameCount++
		now := s.clock()
		live.frameRead(now)
		s.metrics.Frame("ok")

		if frameCount%s.cadence.FocusEvery == 0 {
			s.focusTick(cycleCtx, sessionID, live, f, now)
		}
		if s.emotionDue(frameCount, now, lastEmotionOK, lastEmotionTry) {
			lastEmotionTry = now
			if s.emotionTick(cycleCtx, sessionID, live, f) {
				lastEmotionOK = now
			}
		}

		elapsed := time.Since(cycleStart)
		s.metrics.ObserveCycleStage(observability.StageCycleTotal, elapsed)
		if s.cadence.FrameInterval > elapsed {
			_ = reliability.Sleep(ctx, s.cadence.FrameInterval-elapsed)
		}
	}
}

// emotionDue reports whether this frame should be classified: every
// EmotionEvery frames, or once more than EmotionInterval has passed since the
// last success. Time-triggered retries after a failure wait at least
// EmotionRetryGap.
func (s *Scheduler) emotionDue(frameCount int, now, lastOK, lastTry time.Time) bool {
	if frameCount%s.cadence.EmotionEvery == 0 {
		return true
	}
	if now.Sub(lastOK) <= s.cadence.EmotionInterval {
		return false
	}
	return lastTry.IsZero() || now.Sub(lastTry) >= s.cadence.EmotionRetryGap
}

func (s *Scheduler) frameFailure(ctx context.Context, sessionID string, live *Live, err error) (bool, error) {
	failures := live.frameFailed()
	s.metrics.Frame("unavailable")
	s.metrics.ObserveIndicator("frame_unavailable")

	if failures%s.cadence.WarnEvery == 0 {
		log.Printf("sampler: session %s has %d consecutive frame failures: %v", sessionID, failures, err)
		s.publish(Update{
			Kind:      UpdateStatus,
			SessionID: sessionID,
			At:        s.clock(),
			Code:      "frame_unavailable",
			Message:   fmt.Sprintf("%d consecutive frame failures", failures),
			Live:      live.Snapshot(),
		})
	}
	if s.cadence.MaxFrameFailures > 0 && failures >= s.cadence.MaxFrameFailures {
		log.Printf("sampler: session %s aborting after %d frame failures", sessionID, failures)
		return true, fmt.Errorf("%w: %d: %v", ErrTooManyFrameFailures, failures, err)
	}

	_ = reliability.Sleep(ctx, reliability.ExponentialBackoff(failures-1, s.cadence.FrameBackoffBase, s.cadence.FrameBackoffCap))
	return false, nil
}

func (s *Scheduler) focusTick(ctx context.Context, sessionID string, live *Live, f frame.Frame, now time.Time) {
	start := time.Now()
	res := focus.Result{Status: events.FocusDistracted}
	if s.detector != nil {
		res = s.detector.Evaluate(f)
	}
	s.metrics.ObserveCycleStage(observability.StageFocusDetect, time.Since(start))
	live.focusObserved(res)

	ev := events.FocusEvent{SessionID: sessionID, At: now, Status: res.Status}
	if err := s.persist(ctx, "append_focus", func(ctx context.Context) error {
		return s.store.AppendFocusEvent(ctx, ev)
	}); err != nil {
		live.persistFailed()
		s.publishError(sessionID, live, "persistence", err)
	} else {
		s.metrics.FocusEvent(string(res.Status))
	}

	s.publish(Update{
		Kind:      UpdateFocus,
		SessionID: sessionID,
		At:        now,
		Focus:     &res,
		Live:      live.Snapshot(),
	})
}

// emotionTick classifies one frame and reports whether it succeeded.
func (s *Scheduler) emotionTick(ctx context.Context, sessionID string, live *Live, f frame.Frame) bool {
	start := time.Now()
	res, err := s.classifier.ClassifyEmotion(ctx, f)
	elapsed := time.Since(start)
	s.metrics.ObserveCycleStage(observability.StageEmotionClassify, elapsed)
	s.metrics.ObserveClassifyLatency(elapsed)
	if err != nil {
		code := classifier.ErrorCode(err)
		live.emotionFailed(code, err)
		s.metrics.ClassifierError(s.classifier.Name(), code)
		if code == "error" || code == "timeout" {
			log.Printf("sampler: session %s classify failed: %s", sessionID, redact.Error(err))
		}
		s.publishError(sessionID, live, code, err)
		return false
	}

	at := s.clock()
	label := events.ParseEmotionLabel(string(res.Label))
	confidence := events.ClampConfidence(res.Confidence)
	live.emotionObserved(label, confidence, at)

	ev := events.EmotionEvent{SessionID: sessionID, At: at, Label: label, Confidence: confidence}
	if err := s.persist(ctx, "append_emotion", func(ctx context.Context) error {
		return s.store.AppendEmotionEvent(ctx, ev)
	}); err != nil {
		live.persistFailed()
		s.publishError(sessionID, live, "persistence", err)
	} else {
		s.metrics.EmotionEvent(string(label))
	}

	s.publish(Update{
		Kind:      UpdateEmotion,
		SessionID: sessionID,
		At:        at,
		Emotion:   &classifier.Result{Label: label, Confidence: confidence},
		Live:      live.Snapshot(),
	})
	return true
}

func (s *Scheduler) persist(ctx context.Context, op string, write func(context.Context) error) error {
	start := time.Now()
	err := write(ctx)
	s.metrics.ObserveCycleStage(observability.StagePersistEvent, time.Since(start))
	if err != nil {
		s.metrics.PersistenceFailure(op)
		log.Printf("sampler: %s failed: %s", op, redact.Error(err))
	}
	return err
}

func (s *Scheduler) publishError(sessionID string, live *Live, code string, err error) {
	s.publish(Update{
		Kind:      UpdateError,
		SessionID: sessionID,
		At:        s.clock(),
		Code:      code,
		Message:   redact.Error(err),
		Live:      live.Snapshot(),
	})
}

func (s *Scheduler) publish(u Update) {
	if s.observer != nil {
		s.observer(u)
	}
}
