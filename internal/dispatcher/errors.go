package dispatcher

import (
	"fmt"
	"strings"
)

// ValidationError represents a fatal input validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UnavailableError reports that the model server (or an image host) could
// not be reached.
type UnavailableError struct {
	Target string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s not ready: %v", e.Target, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ModelNotFoundError is returned when the configured model is not listed by
// the model server.
type ModelNotFoundError struct {
	Model     string
	Available []string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("Model %s not found. Available models: [%s]", e.Model, strings.Join(e.Available, ", "))
}

// ImageError wraps acquisition or decode failures of the input image. It is
// never retried.
type ImageError struct {
	Err error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("Failed to process image: %v", e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// HTTPError represents a non-2xx status returned for a delivery attempt
type HTTPError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// DecodeError reports a 2xx response whose body was not JSON.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid JSON from %s: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every endpoint/schema candidate failed.
type ExhaustedError struct {
	Candidates    int
	Attempts      int
	LastErr       error
	ServerVersion string
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all payload formats and endpoints failed (%d candidates, %d attempts)", e.Candidates, e.Attempts)
	if e.LastErr != nil {
		fmt.Fprintf(&b, "; last error: %v", e.LastErr)
	}
	if e.ServerVersion != "" {
		fmt.Fprintf(&b, "; server version %s", e.ServerVersion)
	}
	b.WriteString(". Check if the model supports vision capabilities.")
	return b.String()
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
