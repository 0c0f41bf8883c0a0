package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoImageSource is returned when neither image_b64 nor image_url is set.
var ErrNoImageSource = errors.New("Provide image_b64 or image_url")

// maxImageBytes caps downloaded images.
const maxImageBytes = 64 << 20

// ObjectGetter reads objects for s3:// image URLs.
type ObjectGetter interface {
	DownloadObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// Loader resolves the raw image bytes of a job from inline base64, an
// http(s) URL or an s3:// URL.
type Loader struct {
	http *http.Client
	s3   ObjectGetter
}

// NewLoader returns a Loader. s3 may be nil, in which case s3:// URLs fail.
func NewLoader(fetchTimeout time.Duration, s3 ObjectGetter) *Loader {
	return &Loader{http: &http.Client{Timeout: fetchTimeout}, s3: s3}
}

// HasSource reports whether at least one image source is set.
func HasSource(imageB64, imageURL string) bool {
	return strings.TrimSpace(imageB64) != "" || strings.TrimSpace(imageURL) != ""
}

// Load returns the raw image bytes. imageB64 wins when both are set.
func (l *Loader) Load(ctx context.Context, imageB64, imageURL string) ([]byte, error) {
	if strings.TrimSpace(imageB64) != "" {
		return DecodeBase64(imageB64)
	}
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, ErrNoImageSource
	}
	if strings.HasPrefix(imageURL, "s3://") {
		if l.s3 == nil {
			return nil, fmt.Errorf("s3 image source not configured")
		}
		bucket, key, err := ParseS3URL(imageURL)
		if err != nil {
			return nil, err
		}
		return l.s3.DownloadObject(ctx, bucket, key)
	}
	return l.fetch(ctx, imageURL)
}

func (l *Loader) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	log.Debug().
		Str("url", imageURL).
		Int("size", len(data)).
		Str("content_type", resp.Header.Get("Content-Type")).
		Msg("fetched image")

	return data, nil
}

// DecodeBase64 decodes standard base64, tolerating a data URL prefix,
// embedded whitespace and missing padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Join(strings.Fields(s), "")
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, rerr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rerr != nil {
			return nil, fmt.Errorf("decode base64 image: %w", err)
		}
		data = raw
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("decode base64 image: empty payload")
	}
	return data, nil
}
