// Package imagecodec decodes data-URI encoded still images into RGB rasters.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Decoding budgets applied when a Codec is built without explicit limits.
const (
	DefaultMaxPixels       = 25_000_000
	DefaultMaxEncodedBytes = 10 << 20
)

var (
	// ErrMalformed marks input that is not a decodable image.
	ErrMalformed = errors.New("malformed image")
	// ErrTooLarge marks input exceeding the decode budget.
	ErrTooLarge = errors.New("image exceeds processing budget")
)

// PixelBuffer is a decoded RGB raster. Pix holds Height rows of Width
// pixels, three bytes (R, G, B) per pixel.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []byte
}

// At returns the RGB triple at (x, y).
func (b *PixelBuffer) At(x, y int) (r, g, bl byte) {
	i := (y*b.Width + x) * 3
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Codec decodes images within a bounded processing budget.
type Codec struct {
	MaxPixels       int
	MaxEncodedBytes int
}

// New returns a codec with the given limits; non-positive values fall back
// to the defaults.
func New(maxPixels, maxEncodedBytes int) *Codec {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if maxEncodedBytes <= 0 {
		maxEncodedBytes = DefaultMaxEncodedBytes
	}
	return &Codec{MaxPixels: maxPixels, MaxEncodedBytes: maxEncodedBytes}
}

// Decode parses a "<header>,<base64-payload>" string and returns its RGB
// raster. Exactly one separator is accepted.
func (c *Codec) Decode(encoded string) (*PixelBuffer, error) {
	raw, err := c.Payload(encoded)
	if err != nil {
		return nil, err
	}
	return c.DecodeBytes(raw)
}

// Payload returns the base64-decoded bytes of a "<header>,<payload>" string
// without decoding the image itself.
func (c *Codec) Payload(encoded string) ([]byte, error) {
	if strings.Count(encoded, ",") != 1 {
		return nil, fmt.Errorf("%w: expected exactly one ',' separator", ErrMalformed)
	}
	_, payload, _ := strings.Cut(encoded, ",")

	if base64.StdEncoding.DecodedLen(len(payload)) > c.MaxEncodedBytes {
		return nil, fmt.Errorf("%w: payload larger than %d bytes", ErrTooLarge, c.MaxEncodedBytes)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %w", ErrMalformed, err)
	}
	return raw, nil
}

// DecodeBytes decodes a raw encoded image (JPEG, PNG, GIF, BMP or WebP).
func (c *Codec) DecodeBytes(raw []byte) (*PixelBuffer, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrMalformed)
	}
	if len(raw) > c.MaxEncodedBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(raw), c.MaxEncodedBytes)
	}

	// Check dimensions from the header before allocating the raster.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions %dx%d", ErrMalformed, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > c.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d pixels, limit %d", ErrTooLarge, cfg.Width, cfg.Height, c.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ToRGB(img), nil
}

// ToRGB flattens any image onto an opaque RGB raster, dropping alpha.
func ToRGB(img image.Image) *PixelBuffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	buf := &PixelBuffer{Width: w, Height: h, Pix: make([]byte, w*h*3)}
	for y := 0; y < h; y++ {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		dst := buf.Pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return buf
}

// Image exposes the buffer as an image.Image.
func (b *PixelBuffer) Image() image.Image {
	rgba := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for i, j := 0, 0; i < len(b.Pix); i, j = i+3, j+4 {
		rgba.Pix[j] = b.Pix[i]
		rgba.Pix[j+1] = b.Pix[i+1]
		rgba.Pix[j+2] = b.Pix[i+2]
		rgba.Pix[j+3] = 0xFF
	}
	return rgba
}

// EncodePNG encodes the buffer losslessly.
func EncodePNG(b *PixelBuffer) ([]byte, error) {
	var out bytes.Buffer
	if err := png.Encode(&out, b.Image()); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return out.Bytes(), nil
}

// EncodeJPEG encodes the buffer as a high quality JPEG.
func EncodeJPEG(b *PixelBuffer) ([]byte, error) {
	var out bytes.Buffer
	if err := jpeg.Encode(&out, b.Image(), &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}
