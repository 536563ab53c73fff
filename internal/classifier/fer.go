package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/frame"
)

// FER talks to a lightweight FER detection service (POST /detect). Scores are
// already probabilities in [0,1].
type FER struct {
	backend httpBackend
}

func NewFER(cfg Config) *FER {
	return &FER{backend: newHTTPBackend(cfg)}
}

type ferRequest struct {
	Image string `json:"image"`
}

type ferFace struct {
	Box      []int              `json:"box"`
	Emotions map[string]float64 `json:"emotions"`
}

func (f *FER) Name() string { return BackendFER }

func (f *FER) Probe(ctx context.Context) error { return f.backend.probe(ctx, "/") }

func (f *FER) ClassifyEmotion(ctx context.Context, fr frame.Frame) (Result, error) {
	img, err := f.backend.encodeFrame(fr)
	if err != nil {
		return Result{}, err
	}
	status, body, err := f.backend.postJSON(ctx, "/detect", ferRequest{Image: img})
	if err != nil {
		return Result{}, fmt.Errorf("%w: fer: %w", ErrClassification, err)
	}
	if status != http.StatusOK {
		return Result{}, statusErr("fer", status)
	}

	var faces []ferFace
	if err := json.Unmarshal(body, &faces); err != nil {
		return Result{}, fmt.Errorf("%w: fer decode: %v", ErrClassification, err)
	}
	return parseFER(faces)
}

func parseFER(faces []ferFace) (Result, error) {
	if len(faces) == 0 {
		return Result{}, fmt.Errorf("fer: %w", ErrNoFaceDetected)
	}
	label, score, ok := dominant(faces[0].Emotions)
	if !ok {
		return Result{}, fmt.Errorf("%w: fer returned no emotion scores", ErrClassification)
	}
	// Some FER builds report percentages; normalize either scale.
	if score > 1 {
		score /= 100
	}
	return Result{
		Label:      events.ParseEmotionLabel(label),
		Confidence: events.ClampConfidence(score),
	}, nil
}
