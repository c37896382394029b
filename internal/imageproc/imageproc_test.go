package imageproc

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := png.Encode(&b, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b.Bytes()
}

func TestNormalizeFlattensAlphaOntoWhite(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	// fully transparent except one opaque red pixel
	src.Set(1, 1, color.NRGBA{R: 255, A: 255})
	res, err := Normalize(encodePNG(t, src), Options{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.SourceType != "image/png" || res.Width != 4 || res.Height != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	out, err := png.Decode(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r, g, b, a := out.At(0, 0).RGBA(); r != 0xffff || g != 0xffff || b != 0xffff || a != 0xffff {
		t.Fatalf("transparent pixel not white: %v %v %v %v", r, g, b, a)
	}
	if r, g, _, _ := out.At(1, 1).RGBA(); r != 0xffff || g != 0 {
		t.Fatalf("opaque pixel changed")
	}
}

func TestNormalizeConvertsGrayJPEG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 6))
	for i := range src.Pix {
		src.Pix[i] = 128
	}
	var b bytes.Buffer
	if err := jpeg.Encode(&b, src, nil); err != nil {
		t.Fatalf("jpeg: %v", err)
	}
	res, err := Normalize(b.Bytes(), Options{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.SourceType != "image/jpeg" {
		t.Fatalf("type=%s", res.SourceType)
	}
	out, _ := png.Decode(bytes.NewReader(res.Data))
	if _, ok := out.(*image.RGBA); !ok {
		if _, ok := out.(*image.NRGBA); !ok {
			t.Fatalf("expected RGB output, got %T", out)
		}
	}
}

func TestNormalizeDownscales(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 100))
	res, err := Normalize(encodePNG(t, src), Options{MaxSide: 200})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Width != 200 || res.Height != 50 {
		t.Fatalf("size=%dx%d", res.Width, res.Height)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("hello world"), []byte("\x89PNG\r\n\x1a\ntruncated")} {
		if _, err := Normalize(in, Options{}); !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("expected invalid image for %q, got %v", in, err)
		}
	}
}

func TestNormalizeRejectsHugeDimensions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	if _, err := Normalize(encodePNG(t, src), Options{MaxPixels: 50 * 50}); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestFit(t *testing.T) {
	cases := []struct{ w, h, m, ew, eh int }{
		{100, 50, 0, 100, 50},
		{100, 50, 200, 100, 50},
		{100, 50, 50, 50, 25},
		{50, 100, 50, 25, 50},
		{1000, 1, 10, 10, 1},
	}
	for _, c := range cases {
		if w, h := fit(c.w, c.h, c.m); w != c.ew || h != c.eh {
			t.Fatalf("fit(%d,%d,%d)=%d,%d", c.w, c.h, c.m, w, h)
		}
	}
}
