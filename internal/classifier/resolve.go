package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Options selects and configures the emotion backend for the process.
type Options struct {
	Mode         string // auto|deepface|fer|none
	DeepFaceURL  string
	FERURL       string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	MaxWidth     int
}

type prober interface {
	Probe(ctx context.Context) error
}

// Resolve picks exactly one backend. In auto mode the richer DeepFace service
// is preferred, FER is the fallback, and Unavailable is used when neither
// answers. The returned detail string is meant for startup logs.
func Resolve(ctx context.Context, opts Options) (Classifier, string, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	if mode == "" {
		mode = "auto"
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}

	deepface := func() (Classifier, error) {
		if strings.TrimSpace(opts.DeepFaceURL) == "" {
			return nil, fmt.Errorf("DEEPFACE_URL is not set")
		}
		c := NewDeepFace(Config{BaseURL: opts.DeepFaceURL, Timeout: opts.Timeout, MaxWidth: opts.MaxWidth})
		return c, probe(ctx, c, probeTimeout)
	}
	fer := func() (Classifier, error) {
		if strings.TrimSpace(opts.FERURL) == "" {
			return nil, fmt.Errorf("FER_URL is not set")
		}
		c := NewFER(Config{BaseURL: opts.FERURL, Timeout: opts.Timeout, MaxWidth: opts.MaxWidth})
		return c, probe(ctx, c, probeTimeout)
	}

	switch mode {
	case BackendDeepFace:
		c, err := deepface()
		if err != nil {
			return nil, "", fmt.Errorf("CLASSIFIER_BACKEND=deepface but backend unreachable: %w", err)
		}
		return c, "deepface (advanced)", nil
	case BackendFER:
		c, err := fer()
		if err != nil {
			return nil, "", fmt.Errorf("CLASSIFIER_BACKEND=fer but backend unreachable: %w", err)
		}
		return c, "fer (lightweight)", nil
	case "none":
		return NewUnavailable(), "unavailable (disabled)", nil
	case "auto":
		dfc, dfErr := deepface()
		if dfErr == nil {
			return dfc, "deepface (advanced)", nil
		}
		fc, ferErr := fer()
		if ferErr == nil {
			return fc, fmt.Sprintf("fer (lightweight fallback; deepface: %v)", dfErr), nil
		}
		return NewUnavailable(), fmt.Sprintf("unavailable (deepface: %v; fer: %v)", dfErr, ferErr), nil
	default:
		return nil, "", fmt.Errorf("invalid CLASSIFIER_BACKEND: %q (expected auto|deepface|fer|none)", opts.Mode)
	}
}

func probe(ctx context.Context, c Classifier, timeout time.Duration) error {
	p, ok := c.(prober)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Probe(ctx)
}
