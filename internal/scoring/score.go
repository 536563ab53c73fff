// Package scoring reduces a session's event log into a productivity score.
package scoring

import (
	"math"
	"sort"

	"github.com/antoniostano/focuslens/internal/events"
)

const (
	FocusWeight   = 0.7
	EmotionWeight = 0.3
)

// Breakdown holds the two sub-scores and the combined result, all in [0,100].
type Breakdown struct {
	EmotionScore      float64 `json:"emotion_score"`
	FocusScore        float64 `json:"focus_score"`
	Productivity      float64 `json:"productivity_score"`
	EmotionEventCount int     `json:"emotion_events"`
	FocusEventCount   int     `json:"focus_events"`
}

// LabelWeight returns the contribution of a single emotion observation.
func LabelWeight(label events.EmotionLabel) float64 {
	switch label {
	case events.EmotionHappy, events.EmotionSurprise:
		return 1.0
	case events.EmotionNeutral:
		return 0.7
	case events.EmotionAngry, events.EmotionSad, events.EmotionFear, events.EmotionDisgust:
		return 0.4
	default:
		return 0.5
	}
}

// EmotionScore is 100 * weighted mean of the label counts; 0 for no events.
func EmotionScore(counts map[events.EmotionLabel]int) float64 {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, string(label))
	}
	// Fixed summation order keeps the result bit-identical across runs.
	sort.Strings(labels)

	total := 0
	weighted := 0.0
	for _, l := range labels {
		label := events.EmotionLabel(l)
		n := counts[label]
		if n <= 0 {
			continue
		}
		total += n
		weighted += float64(n) * LabelWeight(label)
	}
	if total == 0 {
		total = 1
	}
	return clamp(100 * weighted / float64(total))
}

// FocusScore is the focused share of all focus checks; 0 for no events.
func FocusScore(focused, distracted int) float64 {
	if focused < 0 {
		focused = 0
	}
	if distracted < 0 {
		distracted = 0
	}
	total := focused + distracted
	if total == 0 {
		total = 1
	}
	return clamp(100 * float64(focused) / float64(total))
}

// Combine applies the 70/30 weighting and rounds to two decimals.
func Combine(focusScore, emotionScore float64) float64 {
	return clamp(round2(FocusWeight*focusScore + EmotionWeight*emotionScore))
}

// Score is a pure function of the two event multisets. Ordering never matters:
// only per-label and per-status counts are used.
func Score(emotions []events.EmotionEvent, focus []events.FocusEvent) Breakdown {
	counts := make(map[events.EmotionLabel]int, 8)
	for _, e := range emotions {
		counts[e.Label]++
	}
	focused, distracted := 0, 0
	for _, f := range focus {
		if events.ParseFocusStatus(string(f.Status)) == events.FocusFocused {
			focused++
		} else {
			distracted++
		}
	}

	es := EmotionScore(counts)
	fs := FocusScore(focused, distracted)
	return Breakdown{
		EmotionScore:      round2(es),
		FocusScore:        round2(fs),
		Productivity:      Combine(fs, es),
		EmotionEventCount: len(emotions),
		FocusEventCount:   len(focus),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
