package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/frame"
)

// DeepFace talks to a DeepFace REST service (POST /analyze). It is the richer
// backend and reports per-label scores as percentages.
type DeepFace struct {
	backend httpBackend
}

func NewDeepFace(cfg Config) *DeepFace {
	return &DeepFace{backend: newHTTPBackend(cfg)}
}

type deepFaceRequest struct {
	Img              string   `json:"img"`
	Actions          []string `json:"actions"`
	EnforceDetection bool     `json:"enforce_detection"`
	DetectorBackend  string   `json:"detector_backend"`
	Silent           bool     `json:"silent"`
}

type deepFaceFace struct {
	DominantEmotion string             `json:"dominant_emotion"`
	Emotion         map[string]float64 `json:"emotion"`
	FaceConfidence  *float64           `json:"face_confidence,omitempty"`
}

type deepFaceResponse struct {
	Results []deepFaceFace `json:"results"`
	Error   string         `json:"error,omitempty"`
}

func (d *DeepFace) Name() string { return BackendDeepFace }

func (d *DeepFace) Probe(ctx context.Context) error { return d.backend.probe(ctx, "/") }

func (d *DeepFace) ClassifyEmotion(ctx context.Context, f frame.Frame) (Result, error) {
	img, err := d.backend.encodeFrame(f)
	if err != nil {
		return Result{}, err
	}
	status, body, err := d.backend.postJSON(ctx, "/analyze", deepFaceRequest{
		Img:              "data:image/jpeg;base64," + img,
		Actions:          []string{"emotion"},
		EnforceDetection: false,
		DetectorBackend:  "opencv",
		Silent:           true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: deepface: %w", ErrClassification, err)
	}
	if status != http.StatusOK {
		if looksLikeNoFace(body) {
			return Result{}, fmt.Errorf("deepface: %w", ErrNoFaceDetected)
		}
		return Result{}, statusErr("deepface", status)
	}

	var res deepFaceResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("%w: deepface decode: %v", ErrClassification, err)
	}
	return parseDeepFace(res)
}

func parseDeepFace(res deepFaceResponse) (Result, error) {
	if len(res.Results) == 0 {
		return Result{}, fmt.Errorf("deepface: %w", ErrNoFaceDetected)
	}
	face := res.Results[0]
	// With enforce_detection off, a zero face confidence means the whole frame
	// was analysed because no face was found.
	if face.FaceConfidence != nil && *face.FaceConfidence <= 0 {
		return Result{}, fmt.Errorf("deepface: %w", ErrNoFaceDetected)
	}
	label := face.DominantEmotion
	score, ok := face.Emotion[label]
	if label == "" || !ok {
		var found bool
		label, score, found = dominant(face.Emotion)
		if !found {
			return Result{}, fmt.Errorf("%w: deepface returned no emotion scores", ErrClassification)
		}
	}
	return Result{
		Label:      events.ParseEmotionLabel(label),
		Confidence: events.ClampConfidence(score / 100),
	}, nil
}
