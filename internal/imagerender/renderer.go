package imagerender

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// CanonicalMIME is the MIME type of every normalized image.
const CanonicalMIME = "image/png"

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("empty image data")

// Normalize decodes raw in any registered raster format and re-encodes it as
// an 8-bit RGB PNG. Transparent areas are flattened onto white.
func Normalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	// opaque RGBA makes the PNG encoder emit truecolor without alpha
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	log.Debug().
		Str("source_format", format).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("input_bytes", len(raw)).
		Int("png_bytes", buf.Len()).
		Msg("normalized image to RGB PNG")

	return buf.Bytes(), nil
}

// EncodeToBase64 converts binary data to a base64 string.
func EncodeToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DataURL wraps canonical image bytes as an inline data URL.
func DataURL(pngBytes []byte) string {
	return "data:" + CanonicalMIME + ";base64," + EncodeToBase64(pngBytes)
}

// GetImageDimensions extracts dimensions from encoded image bytes.
func GetImageDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
