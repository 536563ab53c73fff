package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/antoniostano/focuslens/internal/classifier"
	"github.com/antoniostano/focuslens/internal/config"
	"github.com/antoniostano/focuslens/internal/focus"
	"github.com/antoniostano/focuslens/internal/redact"
)

type providerSetup struct {
	classifier       classifier.Classifier
	classifierDetail string
	detector         *focus.Detector
	focusDetail      string
}

func resolveProviders(ctx context.Context, cfg config.Config) (providerSetup, error) {
	c, detail, err := classifier.Resolve(ctx, classifier.Options{
		Mode:        cfg.ClassifierBackend,
		DeepFaceURL: cfg.DeepFaceURL,
		FERURL:      cfg.FERURL,
		Timeout:     cfg.ClassifierTimeout,
		MaxWidth:    cfg.ClassifierMaxWidth,
	})
	if err != nil {
		return providerSetup{}, fmt.Errorf("classifier init failed: %w", err)
	}
	log.Printf("emotion classifier: %s", redact.String(detail))

	finder, focusDetail, err := resolveFaceFinder(cfg)
	if err != nil {
		return providerSetup{}, err
	}
	log.Printf("focus detector: %s", focusDetail)

	return providerSetup{
		classifier:       c,
		classifierDetail: detail,
		detector:         focus.NewDetector(finder, focus.Options{MinFaceSize: cfg.FocusMinFaceSize}),
		focusDetail:      focusDetail,
	}, nil
}

// resolveFaceFinder loads the pigo cascades. Missing default cascade files
// degrade to a detector that reads every frame as Distracted; an explicitly
// configured path that cannot be loaded is an error.
func resolveFaceFinder(cfg config.Config) (focus.FaceFinder, string, error) {
	finder, err := focus.NewPigoFinder(focus.PigoConfig{
		FaceCascadePath:   cfg.FocusCascadePath,
		PuplocCascadePath: cfg.FocusPuplocPath,
		MinSize:           cfg.FocusMinFaceSize,
		MinPupilContrast:  float64(cfg.FocusMinPupilContrast),
	})
	if err == nil {
		return finder, fmt.Sprintf("pigo (%s + %s)", cfg.FocusCascadePath, cfg.FocusPuplocPath), nil
	}
	if errors.Is(err, os.ErrNotExist) && cascadesDefault(cfg) {
		return nil, fmt.Sprintf("disabled, every frame reads as Distracted (%v)", err), nil
	}
	return nil, "", fmt.Errorf("focus detector init failed: %w", err)
}

func cascadesDefault(cfg config.Config) bool {
	return strings.TrimSpace(cfg.FocusCascadePath) == config.DefaultFocusCascadePath &&
		strings.TrimSpace(cfg.FocusPuplocPath) == config.DefaultFocusPuplocPath
}
