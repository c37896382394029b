// Package imageproc normalizes caller images before they are uploaded to
// ComfyUI: sniff, decode, flatten alpha onto white, force RGB, optionally
// downscale, re-encode as PNG.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	// decoders registered with image.Decode
	_ "image/gif"
	_ "image/jpeg"

	"github.com/gabriel-vasile/mimetype"
	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels caps decoded image area (about 64 megapixels).
const DefaultMaxPixels = 64 << 20

var accepted = []string{"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp", "image/tiff"}

// ErrInvalidImage wraps every rejection; callers treat it as a validation error.
var ErrInvalidImage = errors.New("invalid image")

// Options controls normalization.
type Options struct {
	// MaxSide downsizes images whose longer edge exceeds it. 0 keeps size.
	MaxSide int
	// MaxPixels rejects larger images before decoding. 0 uses DefaultMaxPixels.
	MaxPixels int
}

// Result is a normalized PNG.
type Result struct {
	Data   []byte
	Width  int
	Height int
	// SourceType is the sniffed MIME type of the input.
	SourceType string
}

// Sniff returns the detected MIME type of b.
func Sniff(b []byte) string {
	return mimetype.Detect(b).String()
}

// Normalize converts b to an opaque RGB PNG.
func Normalize(b []byte, opts Options) (Result, error) {
	if len(b) == 0 {
		return Result{}, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	mt := mimetype.Detect(b)
	if !mimetype.EqualsAny(mt.String(), accepted...) {
		return Result{}, fmt.Errorf("%w: unsupported type %s", ErrInvalidImage, mt.String())
	}
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Result{}, fmt.Errorf("%w: empty dimensions", ErrInvalidImage)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return Result{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}
	src, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	flat := Flatten(src, opts.MaxSide)
	var out bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&out, flat); err != nil {
		return Result{}, fmt.Errorf("encode png: %w", err)
	}
	r := flat.Bounds()
	return Result{Data: out.Bytes(), Width: r.Dx(), Height: r.Dy(), SourceType: mt.String()}, nil
}

// Flatten draws src over a white canvas, scaling down with Catmull-Rom when
// its longer side exceeds maxSide.
func Flatten(src image.Image, maxSide int) *image.RGBA {
	sb := src.Bounds()
	w, h := fit(sb.Dx(), sb.Dy(), maxSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(dst, dst.Bounds(), image.White, image.Point{}, xdraw.Src)
	if w == sb.Dx() && h == sb.Dy() {
		xdraw.Draw(dst, dst.Bounds(), src, sb.Min, xdraw.Over)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, xdraw.Over, nil)
	}
	return dst
}

func fit(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	if w >= h {
		nh := h * maxSide / w
		return maxSide, max(nh, 1)
	}
	nw := w * maxSide / h
	return max(nw, 1), maxSide
}
