// Package events defines the emotion and focus event records of a session and
// the controlled vocabularies they use.
package events

import (
	"strings"
	"time"
)

// EmotionLabel is the controlled vocabulary for affective state.
type EmotionLabel string

const (
	EmotionHappy    EmotionLabel = "happy"
	EmotionSad      EmotionLabel = "sad"
	EmotionAngry    EmotionLabel = "angry"
	EmotionSurprise EmotionLabel = "surprise"
	EmotionFear     EmotionLabel = "fear"
	EmotionDisgust  EmotionLabel = "disgust"
	EmotionNeutral  EmotionLabel = "neutral"
	EmotionOther    EmotionLabel = "other"
)

// FocusStatus is the binary attention classification.
type FocusStatus string

const (
	FocusFocused    FocusStatus = "Focused"
	FocusDistracted FocusStatus = "Distracted"
)

type EmotionEvent struct {
	SessionID  string       `json:"session_id"`
	At         time.Time    `json:"at"`
	Label      EmotionLabel `json:"label"`
	Confidence float64      `json:"confidence"`
}

type FocusEvent struct {
	SessionID string      `json:"session_id"`
	At        time.Time   `json:"at"`
	Status    FocusStatus `json:"status"`
}

// ParseEmotionLabel maps backend output onto the enumerated set.
// Anything unrecognized becomes EmotionOther.
func ParseEmotionLabel(raw string) EmotionLabel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "happy", "happiness":
		return EmotionHappy
	case "sad", "sadness":
		return EmotionSad
	case "angry", "anger":
		return EmotionAngry
	case "surprise", "surprised":
		return EmotionSurprise
	case "fear", "scared":
		return EmotionFear
	case "disgust", "disgusted":
		return EmotionDisgust
	case "neutral":
		return EmotionNeutral
	default:
		return EmotionOther
	}
}

// ParseFocusStatus folds historical synonyms ("Unfocused") into Distracted.
// Only an explicit "focused" reads as Focused.
func ParseFocusStatus(raw string) FocusStatus {
	if strings.EqualFold(strings.TrimSpace(raw), string(FocusFocused)) {
		return FocusFocused
	}
	return FocusDistracted
}

// ClampConfidence bounds c to [0,1]. NaN reads as 0.
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
