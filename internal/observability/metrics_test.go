package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCycleStageWindowSnapshot(t *testing.T) {
	w := newCycleStageWindow(8)
	w.Observe(StageEmotionClassify, 500)
	w.Observe(StageEmotionClassify, 700)
	w.Observe(StageEmotionClassify, 900)
	w.ObserveIndicator("frame_unavailable")
	w.ObserveIndicator("frame_unavailable")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("unexpected stage stats: %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestCycleStageWindowWrapsRing(t *testing.T) {
	w := newCycleStageWindow(2)
	w.Observe(StageFrameRead, 10)
	w.Observe(StageFrameRead, 20)
	w.Observe(StageFrameRead, 30)

	snap := w.Snapshot()
	if got := snap.Stages[0].Samples; got != 2 {
		t.Fatalf("Samples = %d, want 2", got)
	}
	if got := snap.Stages[0].AvgMS; got != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", got)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	m.FocusEvent("Focused")
	m.FocusEvent("Focused")
	m.ClassifierError("deepface", "no_face")
	m.ObserveCycleStage(StageCycleTotal, 40*time.Millisecond)

	if got := testutil.ToFloat64(m.FocusEvents.WithLabelValues("Focused")); got != 2 {
		t.Fatalf("focus_events_total{Focused} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ClassifierErrors.WithLabelValues("deepface", "no_face")); got != 1 {
		t.Fatalf("classifier_errors_total = %v, want 1", got)
	}
	if got := m.CycleStageSnapshot().Stages[0].LastMS; got != 40 {
		t.Fatalf("cycle_total LastMS = %v, want 40", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FocusEvent("Focused")
	m.SessionEvent("started")
	m.ObserveCycleStage(StageFrameRead, time.Millisecond)
	if snap := m.CycleStageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot has stages: %+v", snap.Stages)
	}
}
