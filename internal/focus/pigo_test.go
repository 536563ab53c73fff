package focus

import (
	"image"
	"image/color"
	"testing"

	pigo "github.com/esimov/pigo/core"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/frame"
)

// seedLocator answers every query with the seed itself, the way puploc
// returns a point whether or not an eye is there.
type seedLocator struct{}

func (seedLocator) RunDetector(pl pigo.Puploc, _ pigo.ImageParams, _ float64, _ bool) *pigo.Puploc {
	return &pl
}

// eyeFinder reports one fixed face and runs the pupil step on the frame.
type eyeFinder struct {
	f   *PigoFinder
	det pigo.Detection
}

func (e eyeFinder) Detect(img image.Image) []Face {
	gray := img.(*image.Gray)
	params := pigo.ImageParams{
		Pixels: gray.Pix,
		Rows:   gray.Rect.Dy(),
		Cols:   gray.Rect.Dx(),
		Dim:    gray.Stride,
	}
	return []Face{{
		Box:     Rect{X: e.det.Col - e.det.Scale/2, Y: e.det.Row - e.det.Scale/2, W: e.det.Scale, H: e.det.Scale},
		Quality: float64(e.det.Q),
		Eyes:    e.f.eyes(e.det, params),
	}}
}

var centerFace = pigo.Detection{Row: 240, Col: 320, Scale: 200, Q: 9}

func grayImage(v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 640, 480))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func drawDisc(img *image.Gray, cx, cy, r int, v uint8) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.SetGray(cx+dx, cy+dy, color.Gray{Y: v})
			}
		}
	}
}

// pupil seeds for centerFace: row 240-15, cols 320-35 and 320+37.
func drawPupils(img *image.Gray, which ...int) {
	for _, col := range which {
		drawDisc(img, col, 225, 5, 25)
	}
}

func testFinder() *PigoFinder {
	return &PigoFinder{pupils: seedLocator{}, minPupilContrast: defaultPupilContrast}
}

func TestPigoEyesRequireVisiblePupils(t *testing.T) {
	cases := []struct {
		name     string
		pupils   []int
		want     events.FocusStatus
		wantEyes int
	}{
		{name: "blank face has no eyes", want: events.FocusDistracted},
		{name: "one pupil", pupils: []int{285}, want: events.FocusDistracted, wantEyes: 1},
		{name: "both pupils", pupils: []int{285, 357}, want: events.FocusFocused, wantEyes: 2},
	}

	for _, tc := range cases {
		img := grayImage(140)
		drawPupils(img, tc.pupils...)

		d := NewDetector(eyeFinder{f: testFinder(), det: centerFace}, DefaultOptions())
		got := d.Evaluate(frame.Frame{Image: img})
		if got.Status != tc.want {
			t.Fatalf("%s: Status = %q, want %q", tc.name, got.Status, tc.want)
		}
		if got.Eyes != tc.wantEyes {
			t.Fatalf("%s: Eyes = %d, want %d", tc.name, got.Eyes, tc.wantEyes)
		}
		if got.Faces != 1 {
			t.Fatalf("%s: Faces = %d, want 1", tc.name, got.Faces)
		}
	}
}

func TestPupilContrast(t *testing.T) {
	img := grayImage(140)
	drawDisc(img, 100, 100, 5, 20)
	params := pigo.ImageParams{Pixels: img.Pix, Rows: 480, Cols: 640, Dim: img.Stride}

	if got := pupilContrast(params, 100, 100, 200); got < 100 {
		t.Fatalf("pupilContrast(dark disc) = %.1f, want >= 100", got)
	}
	if got := pupilContrast(params, 300, 300, 200); got != 0 {
		t.Fatalf("pupilContrast(flat) = %.1f, want 0", got)
	}
	if got := pupilContrast(params, 2, 2, 200); got != 0 {
		t.Fatalf("pupilContrast(edge) = %.1f, want 0", got)
	}

	// A bright spot is not a pupil.
	drawDisc(img, 400, 300, 5, 250)
	if got := pupilContrast(params, 300, 400, 200); got >= 0 {
		t.Fatalf("pupilContrast(bright spot) = %.1f, want < 0", got)
	}
}
