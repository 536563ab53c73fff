// Package report builds read-only dashboard views over the event log.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/scoring"
	"github.com/antoniostano/focuslens/internal/store"
)

type EmotionStat struct {
	Label         events.EmotionLabel `json:"label"`
	Count         int                 `json:"count"`
	AvgConfidence float64             `json:"avg_confidence"`
}

type FocusStat struct {
	Focused        int     `json:"focused"`
	Distracted     int     `json:"distracted"`
	FocusedPercent float64 `json:"focused_percent"`
}

// TimelinePoint is one event on the merged session timeline.
type TimelinePoint struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence,omitempty"`
}

type SessionSummary struct {
	Session         store.Session     `json:"session"`
	Running         bool              `json:"running"`
	DurationMinutes float64           `json:"duration_minutes"`
	Emotions        []EmotionStat     `json:"emotions"`
	Focus           FocusStat         `json:"focus"`
	Breakdown       scoring.Breakdown `json:"breakdown"`
	Timeline        []TimelinePoint   `json:"timeline,omitempty"`
}

type SubjectSummary struct {
	SubjectID         string         `json:"subject_id"`
	CompletedSessions int            `json:"completed_sessions"`
	TotalMinutes      float64        `json:"total_minutes"`
	AverageScore      *float64       `json:"average_score,omitempty"`
	Latest            *store.Session `json:"latest_session,omitempty"`
}

// SessionRow is a completed session as listed on dashboards.
type SessionRow struct {
	store.Session
	DurationMinutes float64 `json:"duration_minutes"`
}

// SummarizeSession loads a session and its log. The breakdown is recomputed
// from the log; the stored score is left untouched.
func SummarizeSession(ctx context.Context, st store.Store, sessionID string, withTimeline bool) (SessionSummary, error) {
	sess, err := st.ReadSession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("read session: %w", err)
	}
	emotions, focus, err := st.ReadEvents(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("read events: %w", err)
	}
	return BuildSessionSummary(sess, emotions, focus, time.Now().UTC(), withTimeline), nil
}

func BuildSessionSummary(sess store.Session, emotions []events.EmotionEvent, focus []events.FocusEvent, now time.Time, withTimeline bool) SessionSummary {
	out := SessionSummary{
		Session:         sess,
		Running:         !sess.Closed(),
		DurationMinutes: minutes(sess.Duration(now)),
		Emotions:        emotionStats(emotions),
		Breakdown:       scoring.Score(emotions, focus),
	}

	for _, ev := range focus {
		if events.ParseFocusStatus(string(ev.Status)) == events.FocusFocused {
			out.Focus.Focused++
		} else {
			out.Focus.Distracted++
		}
	}
	if total := out.Focus.Focused + out.Focus.Distracted; total > 0 {
		out.Focus.FocusedPercent = round(100*float64(out.Focus.Focused)/float64(total), 1)
	}

	if withTimeline {
		out.Timeline = timeline(emotions, focus)
	}
	return out
}

func emotionStats(emotions []events.EmotionEvent) []EmotionStat {
	type acc struct {
		count int
		sum   float64
	}
	byLabel := make(map[events.EmotionLabel]*acc)
	for _, ev := range emotions {
		a, ok := byLabel[ev.Label]
		if !ok {
			a = &acc{}
			byLabel[ev.Label] = a
		}
		a.count++
		a.sum += ev.Confidence
	}

	out := make([]EmotionStat, 0, len(byLabel))
	for label, a := range byLabel {
		out = append(out, EmotionStat{
			Label:         label,
			Count:         a.count,
			AvgConfidence: round(a.sum/float64(a.count), 3),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func timeline(emotions []events.EmotionEvent, focus []events.FocusEvent) []TimelinePoint {
	points := make([]TimelinePoint, 0, len(emotions)+len(focus))
	for _, ev := range emotions {
		points = append(points, TimelinePoint{At: ev.At, Kind: "emotion", Value: string(ev.Label), Confidence: ev.Confidence})
	}
	for _, ev := range focus {
		points = append(points, TimelinePoint{At: ev.At, Kind: "focus", Value: string(events.ParseFocusStatus(string(ev.Status)))})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].At.Before(points[j].At) })
	return points
}

// SummarizeSubject aggregates a subject's completed sessions.
func SummarizeSubject(ctx context.Context, st store.Store, subjectID string) (SubjectSummary, error) {
	sessions, err := st.ListSessions(ctx, subjectID, true, 0)
	if err != nil {
		return SubjectSummary{}, fmt.Errorf("list sessions: %w", err)
	}
	return BuildSubjectSummary(subjectID, sessions), nil
}

// BuildSubjectSummary expects sessions newest first, as ListSessions returns them.
func BuildSubjectSummary(subjectID string, sessions []store.Session) SubjectSummary {
	out := SubjectSummary{SubjectID: subjectID}
	var (
		total  time.Duration
		scores float64
		scored int
	)
	for i := range sessions {
		s := sessions[i]
		if !s.Closed() {
			continue
		}
		out.CompletedSessions++
		total += s.Duration(*s.EndedAt)
		if s.Score != nil {
			scores += *s.Score
			scored++
		}
		if out.Latest == nil || s.StartedAt.After(out.Latest.StartedAt) {
			latest := s
			out.Latest = &latest
		}
	}
	out.TotalMinutes = round(total.Minutes(), 1)
	if scored > 0 {
		avg := round(scores/float64(scored), 2)
		out.AverageScore = &avg
	}
	return out
}

// CompletedSessions lists closed sessions with their duration, newest first.
// An empty subject lists every subject.
func CompletedSessions(ctx context.Context, st store.Store, subjectID string, limit int) ([]SessionRow, error) {
	sessions, err := st.ListSessions(ctx, subjectID, true, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionRow, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionRow{Session: s, DurationMinutes: minutes(s.Duration(*s.EndedAt))})
	}
	return out, nil
}

func minutes(d time.Duration) float64 {
	return round(d.Minutes(), 1)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
