package focus

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// PigoConfig points at the pigo cascade files (facefinder and puploc).
type PigoConfig struct {
	FaceCascadePath   string
	PuplocCascadePath string
	MinSize           int
	MaxSize           int
	// MinQuality is the detection score a face must reach. Higher is stricter.
	MinQuality float32
	// MinPupilContrast is how much darker (0-255 gray levels) a located pupil
	// must be than the ring around it. Closed or averted eyes fail this.
	MinPupilContrast float64
}

// pupilLocator refines a pupil seed. *pigo.PuplocCascade always returns a
// point, so callers must verify there is a pupil there.
type pupilLocator interface {
	RunDetector(pl pigo.Puploc, img pigo.ImageParams, angle float64, flipV bool) *pigo.Puploc
}

// PigoFinder detects frontal faces and localizes pupils with pigo's pure-Go
// cascades.
type PigoFinder struct {
	faces            *pigo.Pigo
	pupils           pupilLocator
	minSize          int
	maxSize          int
	minQuality       float32
	minPupilContrast float64
}

func NewPigoFinder(cfg PigoConfig) (*PigoFinder, error) {
	faceData, err := os.ReadFile(cfg.FaceCascadePath)
	if err != nil {
		return nil, fmt.Errorf("read face cascade: %w", err)
	}
	faces, err := pigo.NewPigo().Unpack(faceData)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}

	pupData, err := os.ReadFile(cfg.PuplocCascadePath)
	if err != nil {
		return nil, fmt.Errorf("read puploc cascade: %w", err)
	}
	pupils, err := pigo.NewPuplocCascade().UnpackCascade(pupData)
	if err != nil {
		return nil, fmt.Errorf("unpack puploc cascade: %w", err)
	}

	f := &PigoFinder{
		faces:            faces,
		pupils:           pupils,
		minSize:          cfg.MinSize,
		maxSize:          cfg.MaxSize,
		minQuality:       cfg.MinQuality,
		minPupilContrast: cfg.MinPupilContrast,
	}
	if f.minSize <= 0 {
		f.minSize = 80
	}
	if f.maxSize <= 0 {
		f.maxSize = 1000
	}
	if f.minQuality <= 0 {
		f.minQuality = 5.0
	}
	if f.minPupilContrast <= 0 {
		f.minPupilContrast = defaultPupilContrast
	}
	return f, nil
}

func (f *PigoFinder) Detect(img image.Image) []Face {
	src := pigo.ImgToNRGBA(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	imgParams := pigo.ImageParams{
		Pixels: pigo.RgbToGrayscale(src),
		Rows:   rows,
		Cols:   cols,
		Dim:    cols,
	}
	params := pigo.CascadeParams{
		MinSize:     f.minSize,
		MaxSize:     f.maxSize,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: imgParams,
	}

	dets := f.faces.RunCascade(params, 0.0)
	dets = f.faces.ClusterDetections(dets, 0.2)

	out := make([]Face, 0, len(dets))
	for _, det := range dets {
		if det.Q < f.minQuality {
			continue
		}
		out = append(out, Face{
			Box: Rect{
				X: det.Col - det.Scale/2,
				Y: det.Row - det.Scale/2,
				W: det.Scale,
				H: det.Scale,
			},
			Quality: float64(det.Q),
			Eyes:    f.eyes(det, imgParams),
		})
	}
	return out
}

const defaultPupilContrast = 18

// eyes seeds puploc at the usual left and right eye positions of the face and
// keeps only refined points that look like an open pupil.
func (f *PigoFinder) eyes(det pigo.Detection, img pigo.ImageParams) []image.Point {
	scale := float32(det.Scale)
	var found []image.Point
	for _, offset := range []float32{-0.175, 0.185} {
		seed := pigo.Puploc{
			Row:      det.Row - int(0.075*scale),
			Col:      det.Col + int(offset*scale),
			Scale:    scale * 0.25,
			Perturbs: 63,
		}
		eye := f.pupils.RunDetector(seed, img, 0.0, false)
		if eye == nil || eye.Row <= 0 || eye.Col <= 0 {
			continue
		}
		if pupilContrast(img, eye.Row, eye.Col, det.Scale) < f.minPupilContrast {
			continue
		}
		found = append(found, image.Pt(eye.Col, eye.Row))
	}
	return found
}

// pupilContrast is the mean gray level of the ring around (row, col) minus the
// mean of its core, both sized from the face scale. Uniform skin, a closed lid
// or a point off the image gives 0 or less.
func pupilContrast(img pigo.ImageParams, row, col, faceScale int) float64 {
	core := faceScale / 40
	if core < 1 {
		core = 1
	}
	outer := faceScale / 12
	if outer <= core+1 {
		outer = core + 2
	}

	var coreSum, ringSum float64
	var coreN, ringN int
	for dy := -outer; dy <= outer; dy++ {
		for dx := -outer; dx <= outer; dx++ {
			r, c := row+dy, col+dx
			if r < 0 || c < 0 || r >= img.Rows || c >= img.Cols {
				return 0
			}
			d2 := dx*dx + dy*dy
			v := float64(img.Pixels[r*img.Dim+c])
			switch {
			case d2 <= core*core:
				coreSum += v
				coreN++
			case d2 > (2*core)*(2*core) && d2 <= outer*outer:
				ringSum += v
				ringN++
			}
		}
	}
	if coreN == 0 || ringN == 0 {
		return 0
	}
	return ringSum/float64(ringN) - coreSum/float64(coreN)
}
