package filetype

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	IsImage     bool
	Decodable   bool
	Description string
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// decodable lists the raster formats the normalizer has decoders for.
var decodable = map[string]string{
	"image/png":  "PNG image",
	"image/jpeg": "JPEG image",
	"image/gif":  "GIF image",
	"image/bmp":  "BMP image",
	"image/tiff": "TIFF image",
	"image/webp": "WebP image",
}

// DetectBytes detects the type of in-memory data using magic bytes.
func (d *Detector) DetectBytes(data []byte) *FileTypeInfo {
	mtype := mimetype.Detect(data)

	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}
	// strip parameters such as "; charset=utf-8"
	if i := strings.Index(info.MIMEType, ";"); i >= 0 {
		info.MIMEType = strings.TrimSpace(info.MIMEType[:i])
	}
	d.classify(info)

	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Bool("decodable", info.Decodable).Msg("detected input type")
	return info
}

// classify determines whether the normalizer can decode the data.
func (d *Detector) classify(info *FileTypeInfo) {
	// x-ms-bmp is what some sniffers report for BMP
	if info.MIMEType == "image/x-ms-bmp" {
		info.MIMEType = "image/bmp"
	}

	switch desc, ok := decodable[info.MIMEType]; {
	case ok:
		info.IsImage = true
		info.Decodable = true
		info.Description = desc

	case strings.HasPrefix(info.MIMEType, "image/"):
		info.IsImage = true
		info.Description = fmt.Sprintf("Unsupported image type: %s", info.MIMEType)

	case info.MIMEType == "application/pdf":
		info.Description = "PDF document (render pages to images before submitting)"

	default:
		info.Description = fmt.Sprintf("Not an image: %s", info.MIMEType)
	}
}
