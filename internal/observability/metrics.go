package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	Frames              *prometheus.CounterVec
	FocusEvents         *prometheus.CounterVec
	EmotionEvents       *prometheus.CounterVec
	ClassifierErrors    *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ClassifyLatency     prometheus.Histogram
	ProductivityScore   prometheus.Histogram

	cycles *cycleStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer lets tests register against a private registry.
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of running observation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames read from sources by outcome.",
		}, []string{"outcome"}),
		FocusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "focus_events_total",
			Help:      "Focus events appended by status.",
		}, []string{"status"}),
		EmotionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_events_total",
			Help:      "Emotion events appended by label.",
		}, []string{"label"}),
		ClassifierErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_errors_total",
			Help:      "Emotion classification failures by backend and code.",
		}, []string{"backend", "code"}),
		PersistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed event log writes by operation.",
		}, []string{"op"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ClassifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_latency_ms",
			Help:      "Emotion classification round trip in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 6000},
		}),
		ProductivityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "productivity_score",
			Help:      "Productivity score of closed sessions.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		cycles: newCycleStageWindow(512),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FocusEvent(status string) {
	if m == nil {
		return
	}
	m.FocusEvents.WithLabelValues(status).Inc()
}

func (m *Metrics) EmotionEvent(label string) {
	if m == nil {
		return
	}
	m.EmotionEvents.WithLabelValues(label).Inc()
}

func (m *Metrics) ClassifierError(backend, code string) {
	if m == nil {
		return
	}
	m.ClassifierErrors.WithLabelValues(backend, code).Inc()
}

func (m *Metrics) PersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveClassifyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ClassifyLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveScore(score float64) {
	if m == nil {
		return
	}
	m.ProductivityScore.Observe(score)
}

func (m *Metrics) ObserveCycleStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.cycles.ObserveIndicator(name)
}

func (m *Metrics) CycleStageSnapshot() CycleStageSnapshot {
	if m == nil {
		return CycleStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.cycles.Snapshot()
}

func (m *Metrics) ResetCycleStages() {
	if m == nil {
		return
	}
	m.cycles.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
