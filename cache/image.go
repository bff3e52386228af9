// Package cache implements the two-tier (memory + disk) image cache and the
// download-coalescing manager built on top of it.
package cache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoding for image.Decode
	"image/jpeg"
	"image/png"
)

// pngSignature is the 8-byte magic prefix of a PNG file.
var pngSignature = [8]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// DecodedImage is a decoded bitmap plus the scale/metadata attributes the
// cache's cost model and persistence logic need. Decoding and encoding
// happen at the edges of this package (Decode/EncodePNG/EncodeJPEG) so the
// rest of the cache never has to reason about pixel formats.
type DecodedImage struct {
	Img        image.Image
	Scale      float64 // 1.0 for unscaled; >1 for Retina-style assets
	HasAlpha   bool
	IsAnimated bool
	FrameCount int // 1 for static images
	Width      int
	Height     int
}

// Cost is the memory-tier weight of img: width * height * scale^2.
// Computed as an unsigned integer; a zero-sized or nil image costs nothing.
func Cost(img *DecodedImage) uint64 {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return 0
	}
	scale := img.Scale
	if scale <= 0 {
		scale = 1
	}
	return uint64(float64(img.Width)*float64(img.Height)*scale*scale + 0.5)
}

// SniffsAsPNG reports whether data begins with the PNG signature.
func SniffsAsPNG(data []byte) bool {
	if len(data) < len(pngSignature) {
		return false
	}
	return bytes.Equal(data[:len(pngSignature)], pngSignature[:])
}

// Decode decodes raw bytes into a DecodedImage. Scale and animation
// metadata are not recoverable from stdlib image decoding alone, so the
// caller supplies the scale factor to associate with the result (typically
// derived from the cache key); multi-frame detection is left to callers
// that have access to a format-specific decoder (e.g. GIF/WebP) and may
// set IsAnimated on the returned value themselves.
func Decode(data []byte, scale float64) (*DecodedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if scale <= 0 {
		scale = 1
	}
	bounds := img.Bounds()
	return &DecodedImage{
		Img:        img,
		Scale:      scale,
		HasAlpha:   hasAlpha(img),
		FrameCount: 1,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}

// EncodePNG re-encodes img as PNG.
func EncodePNG(img *DecodedImage) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.Img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJPEG re-encodes img as JPEG at the given quality (0-100; a caller
// working in 0.0-1.0 quality units should multiply by 100 first).
func EncodeJPEG(img *DecodedImage, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.Img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// hasAlpha reports whether img's color model carries an alpha channel.
func hasAlpha(img image.Image) bool {
	switch img.ColorModel() {
	case image.NRGBAModel, image.NRGBA64Model, image.RGBAModel, image.RGBA64Model, image.AlphaModel, image.Alpha16Model:
		return true
	default:
		return false
	}
}
