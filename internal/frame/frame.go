// Package frame defines the pull-based frame source boundary and its
// concrete sources.
package frame

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"

	// PNG decoding for replay directories; JPEG is registered by image/jpeg.
	_ "image/png"
)

var (
	// ErrFrameUnavailable is a transient capture failure; callers skip the cycle.
	ErrFrameUnavailable = errors.New("frame unavailable")
	// ErrSourceExhausted means a finite source has no more frames.
	ErrSourceExhausted = errors.New("frame source exhausted")
)

type Frame struct {
	Seq        int64
	CapturedAt time.Time
	Image      image.Image
}

func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Source yields frames on demand. Next must return within a bounded time,
// signalling ErrFrameUnavailable instead of blocking.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Decode parses an encoded JPEG or PNG image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrFrameUnavailable)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFrameUnavailable, err)
	}
	return img, nil
}

// Downscale shrinks img so its width is at most maxWidth, keeping aspect ratio.
// Images already within bounds are returned unchanged.
func Downscale(img image.Image, maxWidth int) image.Image {
	if img == nil || maxWidth <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG serializes img for upload to remote classifiers.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
