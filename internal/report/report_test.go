package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/store"
)

var t0 = time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)

func TestBuildSessionSummaryFoldsSynonymsAndAverages(t *testing.T) {
	end := t0.Add(30 * time.Minute)
	score := 81.5
	sess := store.Session{ID: "s1", SubjectID: "student-1", StartedAt: t0, EndedAt: &end, Score: &score}
	emotions := []events.EmotionEvent{
		{SessionID: "s1", At: t0.Add(time.Minute), Label: events.EmotionHappy, Confidence: 0.8},
		{SessionID: "s1", At: t0.Add(2 * time.Minute), Label: events.EmotionHappy, Confidence: 0.6},
		{SessionID: "s1", At: t0.Add(3 * time.Minute), Label: events.EmotionNeutral, Confidence: 0.5},
	}
	focus := []events.FocusEvent{
		{SessionID: "s1", At: t0.Add(30 * time.Second), Status: events.FocusFocused},
		{SessionID: "s1", At: t0.Add(90 * time.Second), Status: "Unfocused"},
		{SessionID: "s1", At: t0.Add(150 * time.Second), Status: events.FocusFocused},
		{SessionID: "s1", At: t0.Add(210 * time.Second), Status: events.FocusFocused},
	}

	got := BuildSessionSummary(sess, emotions, focus, end.Add(time.Hour), true)

	assert.False(t, got.Running)
	assert.Equal(t, 30.0, got.DurationMinutes)
	require.Len(t, got.Emotions, 2)
	assert.Equal(t, events.EmotionHappy, got.Emotions[0].Label)
	assert.Equal(t, 2, got.Emotions[0].Count)
	assert.InDelta(t, 0.7, got.Emotions[0].AvgConfidence, 1e-9)
	assert.Equal(t, 3, got.Focus.Focused)
	assert.Equal(t, 1, got.Focus.Distracted)
	assert.Equal(t, 75.0, got.Focus.FocusedPercent)
	assert.InDelta(t, 75.0, got.Breakdown.FocusScore, 1e-9)

	require.Len(t, got.Timeline, 7)
	assert.Equal(t, "focus", got.Timeline[0].Kind)
	assert.Equal(t, "Distracted", got.Timeline[2].Value)
	for i := 1; i < len(got.Timeline); i++ {
		assert.False(t, got.Timeline[i].At.Before(got.Timeline[i-1].At))
	}
}

func TestBuildSessionSummaryRunningUsesNow(t *testing.T) {
	sess := store.Session{ID: "s1", SubjectID: "student-1", StartedAt: t0}
	got := BuildSessionSummary(sess, nil, nil, t0.Add(90*time.Second), false)
	assert.True(t, got.Running)
	assert.Equal(t, 1.5, got.DurationMinutes)
	assert.Empty(t, got.Timeline)
	assert.Equal(t, 0.0, got.Breakdown.Productivity)
}

func TestSummarizeSubject(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()

	first, err := st.CreateSession(ctx, "student-1", t0)
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, first, t0.Add(25*time.Minute), 60))
	second, err := st.CreateSession(ctx, "student-1", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, second, t0.Add(time.Hour+20*time.Minute+15*time.Second), 90))
	_, err = st.CreateSession(ctx, "student-1", t0.Add(2*time.Hour))
	require.NoError(t, err)

	got, err := SummarizeSubject(ctx, st, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedSessions)
	assert.Equal(t, 45.3, got.TotalMinutes)
	require.NotNil(t, got.AverageScore)
	assert.Equal(t, 75.0, *got.AverageScore)
	require.NotNil(t, got.Latest)
	assert.Equal(t, second, got.Latest.ID)

	rows, err := CompletedSessions(ctx, st, "student-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 20.3, rows[0].DurationMinutes)
}

func TestSummarizeSubjectCountsEverySession(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for i := 0; i < 130; i++ {
		start := t0.Add(time.Duration(i) * time.Hour)
		id, err := st.CreateSession(ctx, "student-1", start)
		require.NoError(t, err)
		require.NoError(t, st.CloseSession(ctx, id, start.Add(10*time.Minute), 50))
	}

	got, err := SummarizeSubject(ctx, st, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 130, got.CompletedSessions)
	assert.Equal(t, 1300.0, got.TotalMinutes)
	require.NotNil(t, got.AverageScore)
	assert.Equal(t, 50.0, *got.AverageScore)
}

func TestSummarizeSubjectWithoutSessions(t *testing.T) {
	got, err := SummarizeSubject(context.Background(), store.NewInMemoryStore(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedSessions)
	assert.Equal(t, 0.0, got.TotalMinutes)
	assert.Nil(t, got.AverageScore)
	assert.Nil(t, got.Latest)
}

func TestSummarizeSessionUnknown(t *testing.T) {
	_, err := SummarizeSession(context.Background(), store.NewInMemoryStore(), "missing", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}
