package events

import (
	"math"
	"testing"
)

func TestParseFocusStatusFoldsSynonyms(t *testing.T) {
	cases := []struct {
		raw  string
		want FocusStatus
	}{
		{"Focused", FocusFocused},
		{"focused", FocusFocused},
		{" FOCUSED ", FocusFocused},
		{"Distracted", FocusDistracted},
		{"Unfocused", FocusDistracted},
		{"", FocusDistracted},
	}
	for _, tc := range cases {
		if got := ParseFocusStatus(tc.raw); got != tc.want {
			t.Fatalf("ParseFocusStatus(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestParseEmotionLabel(t *testing.T) {
	cases := []struct {
		raw  string
		want EmotionLabel
	}{
		{"Happy", EmotionHappy},
		{"surprise", EmotionSurprise},
		{"NEUTRAL", EmotionNeutral},
		{"disgust", EmotionDisgust},
		{"contempt", EmotionOther},
		{"", EmotionOther},
	}
	for _, tc := range cases {
		if got := ParseEmotionLabel(tc.raw); got != tc.want {
			t.Fatalf("ParseEmotionLabel(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestClampConfidence(t *testing.T) {
	if got := ClampConfidence(1.7); got != 1 {
		t.Fatalf("ClampConfidence(1.7) = %v, want 1", got)
	}
	if got := ClampConfidence(-0.2); got != 0 {
		t.Fatalf("ClampConfidence(-0.2) = %v, want 0", got)
	}
	if got := ClampConfidence(math.NaN()); got != 0 {
		t.Fatalf("ClampConfidence(NaN) = %v, want 0", got)
	}
	if got := ClampConfidence(0.42); got != 0.42 {
		t.Fatalf("ClampConfidence(0.42) = %v, want 0.42", got)
	}
}
