package classifier

import (
	"context"
	"errors"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/frame"
)

var (
	// ErrUnavailable means no backend can serve classifications.
	ErrUnavailable = errors.New("emotion classifier unavailable")
	// ErrNoFaceDetected means the backend saw no face in the frame.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrClassification covers any other per-call backend failure.
	ErrClassification = errors.New("emotion classification failed")
)

const (
	BackendDeepFace    = "deepface"
	BackendFER         = "fer"
	BackendUnavailable = "unavailable"
)

// DefaultMaxWidth bounds the upload size so classification latency stays bounded.
const DefaultMaxWidth = 640

type Result struct {
	Label      events.EmotionLabel
	Confidence float64
}

// Classifier turns one frame into a dominant emotion. Errors are per-call and
// recoverable; they wrap one of the sentinels above.
type Classifier interface {
	ClassifyEmotion(ctx context.Context, f frame.Frame) (Result, error)
	Name() string
}

// Unavailable is the safe default when no backend is reachable.
type Unavailable struct{}

func NewUnavailable() Unavailable { return Unavailable{} }

func (Unavailable) ClassifyEmotion(context.Context, frame.Frame) (Result, error) {
	return Result{}, ErrUnavailable
}

func (Unavailable) Name() string { return BackendUnavailable }

// ErrorCode maps an error to a short label for metrics and live status.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNoFaceDetected):
		return "no_face"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// dominant picks the highest-scoring label; ties break on label name so the
// choice is deterministic.
func dominant(scores map[string]float64) (string, float64, bool) {
	best := ""
	bestScore := -1.0
	for label, v := range scores {
		if v > bestScore || (v == bestScore && label < best) {
			best = label
			bestScore = v
		}
	}
	return best, bestScore, best != ""
}
