package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/focuslens/internal/classifier"
	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/observability"
	"github.com/antoniostano/focuslens/internal/session"
	"github.com/antoniostano/focuslens/internal/store"
)

var ErrNotRunning = errors.New("session is not being sampled")

// Result is the outcome of one sampled session.
type Result struct {
	Session session.Session `json:"session"`
	Reason  StopReason      `json:"reason"`
	Err     error           `json:"-"`
}

type RunnerConfig struct {
	Sessions   *session.Manager
	Store      store.Store
	Detector   FocusDetector
	Classifier classifier.Classifier
	Cadence    Cadence
	Metrics    *observability.Metrics
	// IdleTimeout stops runs whose source delivered no frame for this long.
	IdleTimeout time.Duration
	// CloseTimeout bounds the session close after sampling ends.
	CloseTimeout time.Duration
}

// Runner owns the background sampling goroutine of every running session.
type Runner struct {
	cfg  RunnerConfig
	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	handle  session.Handle
	live    *Live
	source  frame.Source
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
	reason  StopReason
	subsMu  sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	return &Runner{cfg: cfg, runs: make(map[string]*run)}
}

// Start opens a session for the subject and samples src in the background
// until Stop, source exhaustion, or the idle janitor ends it.
func (r *Runner) Start(ctx context.Context, subjectID string, src frame.Source) (session.Handle, error) {
	h, err := r.cfg.Sessions.Start(ctx, subjectID)
	if err != nil {
		_ = src.Close()
		return session.Handle{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rn := &run{
		handle: h,
		live:   NewLive(h.ID, h.StartedAt),
		source: src,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan Update),
	}

	r.mu.Lock()
	r.runs[h.ID] = rn
	active := len(r.runs)
	r.mu.Unlock()
	r.cfg.Metrics.SessionEvent("started")
	r.cfg.Metrics.SetActiveSessions(active)

	sched := NewScheduler(SchedulerConfig{
		Source:     src,
		Detector:   r.cfg.Detector,
		Classifier: r.cfg.Classifier,
		Store:      r.cfg.Store,
		Cadence:    r.cfg.Cadence,
		Metrics:    r.cfg.Metrics,
		Observer:   rn.publish,
	})
	go r.sample(runCtx, rn, sched)
	return h, nil
}

func (r *Runner) sample(ctx context.Context, rn *run, sched *Scheduler) {
	reason, runErr := sched.Run(ctx, rn.handle.ID, rn.live)
	if err := rn.source.Close(); err != nil {
		log.Printf("sampler: close source for %s: %v", rn.handle.ID, err)
	}
	if stopped := rn.stopReason(); stopped != "" && reason == StopRequested {
		reason = stopped
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.CloseTimeout)
	start := time.Now()
	sess, closeErr := r.cfg.Sessions.Close(closeCtx, rn.handle)
	cancel()
	r.cfg.Metrics.ObserveCycleStage(observability.StageSessionClose, time.Since(start))

	res := Result{Session: sess, Reason: reason, Err: errors.Join(runErr, closeErr)}
	if closeErr != nil {
		r.cfg.Metrics.SessionEvent("close_failed")
		log.Printf("sampler: close session %s: %v", rn.handle.ID, closeErr)
		if current, err := r.cfg.Sessions.Get(context.Background(), rn.handle.ID); err == nil {
			res.Session = current
		}
	} else {
		r.cfg.Metrics.SessionEvent("closed")
		if sess.Score != nil {
			r.cfg.Metrics.ObserveScore(*sess.Score)
		}
	}

	closed := res.Session
	rn.publish(Update{
		Kind:      UpdateClosed,
		SessionID: rn.handle.ID,
		At:        time.Now().UTC(),
		Code:      string(reason),
		Live:      rn.live.Snapshot(),
		Session:   &closed,
	})

	r.mu.Lock()
	rn.result = res
	delete(r.runs, rn.handle.ID)
	active := len(r.runs)
	r.mu.Unlock()
	r.cfg.Metrics.SetActiveSessions(active)

	rn.closeSubscribers()
	close(rn.done)
}

// Stop asks the run to end after its current cycle and waits for the close.
func (r *Runner) Stop(ctx context.Context, sessionID string) (Result, error) {
	rn, ok := r.lookup(sessionID)
	if !ok {
		return Result{}, ErrNotRunning
	}
	rn.stop(StopRequested)
	return r.wait(ctx, rn)
}

// Wait blocks until the run ends on its own or ctx is done.
func (r *Runner) Wait(ctx context.Context, sessionID string) (Result, error) {
	rn, ok := r.lookup(sessionID)
	if !ok {
		return Result{}, ErrNotRunning
	}
	return r.wait(ctx, rn)
}

func (r *Runner) wait(ctx context.Context, rn *run) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for session %s: %w", rn.handle.ID, ctx.Err())
	case <-rn.done:
		r.mu.Lock()
		res := rn.result
		r.mu.Unlock()
		return res, res.Err
	}
}

// StopAll stops every run and waits for them; used at shutdown.
func (r *Runner) StopAll(ctx context.Context) {
	r.mu.Lock()
	runs := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	for _, rn := range runs {
		rn.stop(StopRequested)
	}
	for _, rn := range runs {
		if _, err := r.wait(ctx, rn); err != nil {
			log.Printf("sampler: stop %s: %v", rn.handle.ID, err)
		}
	}
}

func (r *Runner) Live(sessionID string) (Snapshot, bool) {
	rn, ok := r.lookup(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	return rn.live.Snapshot(), true
}

// Source returns the frame source of a running session.
func (r *Runner) Source(sessionID string) (frame.Source, bool) {
	rn, ok := r.lookup(sessionID)
	if !ok {
		return nil, false
	}
	return rn.source, true
}

// Subscribe streams updates of a running session. The channel closes after
// the final UpdateClosed; slow subscribers miss updates rather than block.
func (r *Runner) Subscribe(sessionID string, buffer int) (<-chan Update, func(), error) {
	rn, ok := r.lookup(sessionID)
	if !ok {
		return nil, nil, ErrNotRunning
	}
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Update, buffer)

	rn.subsMu.Lock()
	if rn.subs == nil {
		rn.subsMu.Unlock()
		return nil, nil, ErrNotRunning
	}
	id := rn.nextSub
	rn.nextSub++
	rn.subs[id] = ch
	rn.subsMu.Unlock()

	unsubscribe := func() {
		rn.subsMu.Lock()
		defer rn.subsMu.Unlock()
		if c, ok := rn.subs[id]; ok {
			delete(rn.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe, nil
}

// Running lists ids of sessions being sampled.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StartIdleJanitor stops runs whose source has been silent past IdleTimeout.
func (r *Runner) StartIdleJanitor(ctx context.Context, interval time.Duration) {
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
				r.stopIdle(time.Now().UTC())
			}
		}
	}()
}

func (r *Runner) stopIdle(now time.Time) int {
	r.mu.Lock()
	var idle []*run
	for _, rn := range r.runs {
		if now.Sub(rn.lastActivity()) >= r.cfg.IdleTimeout {
			idle = append(idle, rn)
		}
	}
	r.mu.Unlock()

	for _, rn := range idle {
		log.Printf("sampler: stopping idle session %s", rn.handle.ID)
		r.cfg.Metrics.SessionEvent("idle_stopped")
		rn.stop(StopIdle)
	}
	return len(idle)
}

func (r *Runner) lookup(sessionID string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[sessionID]
	return rn, ok
}

func (rn *run) stop(reason StopReason) {
	rn.subsMu.Lock()
	if rn.reason == "" {
		rn.reason = reason
	}
	rn.subsMu.Unlock()
	rn.cancel()
}

func (rn *run) stopReason() StopReason {
	rn.subsMu.Lock()
	defer rn.subsMu.Unlock()
	return rn.reason
}

// lastActivity prefers the push transport's own clock, since a websocket
// client that stopped sending is idle even if the sampler keeps timing out.
func (rn *run) lastActivity() time.Time {
	if cs, ok := rn.source.(*frame.ChannelSource); ok {
		return cs.LastFrameAt()
	}
	return rn.live.LastActivity()
}

func (rn *run) publish(u Update) {
	rn.subsMu.Lock()
	defer rn.subsMu.Unlock()
	for _, ch := range rn.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (rn *run) closeSubscribers() {
	rn.subsMu.Lock()
	defer rn.subsMu.Unlock()
	for id, ch := range rn.subs {
		close(ch)
		delete(rn.subs, id)
	}
	rn.subs = nil
}
