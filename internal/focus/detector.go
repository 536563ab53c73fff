// Package focus implements the rule-based attention classifier. A subject is
// Focused only when both eyes are visible inside a confidently detected face;
// every other outcome, including no face at all, reads as Distracted.
package focus

import (
	"image"
	"math"

	"github.com/antoniostano/focuslens/internal/events"
	"github.com/antoniostano/focuslens/internal/frame"
)

type Rect struct {
	X, Y, W, H int
}

func (r Rect) contains(p image.Point) bool {
	return p.X >= r.X && p.X < r.X+r.W && p.Y >= r.Y && p.Y < r.Y+r.H
}

// Face is one candidate region with its located eye centers.
type Face struct {
	Box     Rect
	Quality float64
	Eyes    []image.Point
}

// FaceFinder is the detection primitive (cascade classifier or similar).
type FaceFinder interface {
	Detect(img image.Image) []Face
}

type Options struct {
	// MinFaceSize rejects small, usually spurious, detections (pixels).
	MinFaceSize int
	// EyeBand is the upper fraction of the face box where eyes may sit.
	EyeBand float64
	// MinEyeSeparation is the minimum horizontal eye distance relative to face width.
	MinEyeSeparation float64
}

func DefaultOptions() Options {
	return Options{MinFaceSize: 80, EyeBand: 0.6, MinEyeSeparation: 0.2}
}

type Result struct {
	Status events.FocusStatus `json:"status"`
	Faces  int                `json:"faces"`
	Eyes   int                `json:"eyes"`
	Face   *Rect              `json:"face,omitempty"`
}

type Detector struct {
	finder FaceFinder
	opts   Options
}

func NewDetector(finder FaceFinder, opts Options) *Detector {
	def := DefaultOptions()
	if opts.MinFaceSize <= 0 {
		opts.MinFaceSize = def.MinFaceSize
	}
	if opts.EyeBand <= 0 || opts.EyeBand > 1 {
		opts.EyeBand = def.EyeBand
	}
	if opts.MinEyeSeparation <= 0 {
		opts.MinEyeSeparation = def.MinEyeSeparation
	}
	return &Detector{finder: finder, opts: opts}
}

func (d *Detector) Evaluate(f frame.Frame) Result {
	res := Result{Status: events.FocusDistracted}
	if d.finder == nil || f.Image == nil {
		return res
	}

	var best *Face
	faces := d.finder.Detect(f.Image)
	for i := range faces {
		face := &faces[i]
		if face.Box.W < d.opts.MinFaceSize || face.Box.H < d.opts.MinFaceSize {
			continue
		}
		res.Faces++
		if best == nil || better(face, best) {
			best = face
		}
	}
	if best == nil {
		return res
	}

	box := best.Box
	res.Face = &box
	res.Eyes = d.countEyes(*best)
	if res.Eyes >= 2 {
		res.Status = events.FocusFocused
	}
	return res
}

// countEyes keeps only eye points inside the face's eye band and counts the
// ones far enough apart to be distinct eyes.
func (d *Detector) countEyes(face Face) int {
	band := Rect{
		X: face.Box.X,
		Y: face.Box.Y,
		W: face.Box.W,
		H: int(math.Round(float64(face.Box.H) * d.opts.EyeBand)),
	}
	minGap := int(math.Round(float64(face.Box.W) * d.opts.MinEyeSeparation))

	var kept []image.Point
	for _, p := range face.Eyes {
		if !band.contains(p) {
			continue
		}
		distinct := true
		for _, k := range kept {
			if abs(p.X-k.X) < minGap {
				distinct = false
				break
			}
		}
		if distinct {
			kept = append(kept, p)
		}
	}
	return len(kept)
}

func better(a, b *Face) bool {
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	return a.Box.W*a.Box.H > b.Box.W*b.Box.H
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
