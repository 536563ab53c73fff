package focus

import (
	"image"
	"testing"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/frame"
)

type stubFinder struct {
	faces []Face
}

func (s stubFinder) Detect(image.Image) []Face { return s.faces }

func testFrame() frame.Frame {
	return frame.Frame{Image: image.NewGray(image.Rect(0, 0, 640, 480))}
}

func faceAt(x, y, size int, q float64, eyes ...image.Point) Face {
	return Face{Box: Rect{X: x, Y: y, W: size, H: size}, Quality: q, Eyes: eyes}
}

func TestDetectorRules(t *testing.T) {
	cases := []struct {
		name      string
		faces     []Face
		want      events.FocusStatus
		wantEyes  int
		wantFaces int
	}{
		{
			name:  "no face is distracted",
			faces: nil,
			want:  events.FocusDistracted,
		},
		{
			name:      "two eyes in band is focused",
			faces:     []Face{faceAt(100, 100, 200, 9, image.Pt(150, 170), image.Pt(250, 170))},
			want:      events.FocusFocused,
			wantEyes:  2,
			wantFaces: 1,
		},
		{
			name:      "one eye is distracted",
			faces:     []Face{faceAt(100, 100, 200, 9, image.Pt(150, 170))},
			want:      events.FocusDistracted,
			wantEyes:  1,
			wantFaces: 1,
		},
		{
			name:      "eyes below the band do not count",
			faces:     []Face{faceAt(100, 100, 200, 9, image.Pt(150, 280), image.Pt(250, 280))},
			want:      events.FocusDistracted,
			wantEyes:  0,
			wantFaces: 1,
		},
		{
			name:      "two points on the same eye count once",
			faces:     []Face{faceAt(100, 100, 200, 9, image.Pt(150, 170), image.Pt(160, 172))},
			want:      events.FocusDistracted,
			wantEyes:  1,
			wantFaces: 1,
		},
		{
			name:      "small faces are ignored",
			faces:     []Face{faceAt(10, 10, 40, 20, image.Pt(20, 20), image.Pt(40, 20))},
			want:      events.FocusDistracted,
			wantFaces: 0,
		},
		{
			name: "best face decides",
			faces: []Face{
				faceAt(0, 0, 120, 4, image.Pt(30, 40), image.Pt(90, 40)),
				faceAt(300, 100, 150, 12, image.Pt(340, 150)),
			},
			want:      events.FocusDistracted,
			wantEyes:  1,
			wantFaces: 2,
		},
	}

	for _, tc := range cases {
		d := NewDetector(stubFinder{faces: tc.faces}, DefaultOptions())
		got := d.Evaluate(testFrame())
		if got.Status != tc.want {
			t.Fatalf("%s: Status = %q, want %q", tc.name, got.Status, tc.want)
		}
		if got.Eyes != tc.wantEyes {
			t.Fatalf("%s: Eyes = %d, want %d", tc.name, got.Eyes, tc.wantEyes)
		}
		if got.Faces != tc.wantFaces {
			t.Fatalf("%s: Faces = %d, want %d", tc.name, got.Faces, tc.wantFaces)
		}
	}
}

func TestDetectorNilFinderDefaultsToDistracted(t *testing.T) {
	d := NewDetector(nil, Options{})
	if got := d.Evaluate(testFrame()); got.Status != events.FocusDistracted {
		t.Fatalf("Status = %q, want Distracted", got.Status)
	}
}
