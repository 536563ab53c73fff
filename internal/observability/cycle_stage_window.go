package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sampling cycle stages reported at /v1/perf/latency.
const (
	StageFrameRead       = "frame_read"
	StageFocusDetect     = "focus_detect"
	StageEmotionClassify = "emotion_classify"
	StagePersistEvent    = "persist_event"
	StageCycleTotal      = "cycle_total"
	StageSessionClose    = "session_close"
)

type CycleStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type CycleIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type CycleStageSnapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	WindowSize  int               `json:"window_size"`
	Stages      []CycleStageStats `json:"stages"`
	Indicators  []CycleIndicator  `json:"indicators,omitempty"`
}

// cycleStageWindow keeps the last maxSamples latencies per stage in a ring.
type cycleStageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*ring
	indicators map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring) sorted() []float64 {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	out := make([]float64, n)
	copy(out, r.values[:n])
	sort.Float64s(out)
	return out
}

func newCycleStageWindow(maxSamples int) *cycleStageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &cycleStageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *cycleStageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *cycleStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *cycleStageWindow) Snapshot() CycleStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		names = append(names, stage)
	}
	sort.Strings(names)

	stages := make([]CycleStageStats, 0, len(names))
	for _, stage := range names {
		samples := w.stages[stage].sorted()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stages = append(stages, CycleStageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(w.stages[stage].last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name, count := range w.indicators {
		if count > 0 {
			indicatorNames = append(indicatorNames, name)
		}
	}
	sort.Strings(indicatorNames)
	indicators := make([]CycleIndicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		indicators = append(indicators, CycleIndicator{Name: name, Count: w.indicators[name]})
	}

	return CycleStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *cycleStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageFrameRead:
		return 50
	case StageFocusDetect:
		return 80
	case StageEmotionClassify:
		return 1500
	case StagePersistEvent:
		return 25
	case StageCycleTotal:
		return 1800
	case StageSessionClose:
		return 500
	default:
		return 0
	}
}
