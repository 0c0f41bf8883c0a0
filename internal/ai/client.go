package ai

import (
    "bytes"
    "context"
    "fmt"
    "io"
    "net/http"
    "strings"
)

// Server posts raw payloads to a model server. It performs no retries and
// does not interpret status codes; that is the negotiator's job.
type Server struct {
    baseURL string
    http    *http.Client
}

// NewServer returns a Server for baseURL. Per-attempt timeouts are applied
// through the request context, so httpClient should not set its own.
func NewServer(baseURL string, httpClient *http.Client) *Server {
    if httpClient == nil { httpClient = &http.Client{} }
    return &Server{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the server root without a trailing slash.
func (s *Server) BaseURL() string { return s.baseURL }

// Post sends body as JSON to endpoint and returns the status code and the
// full response body.
func (s *Server) Post(ctx context.Context, endpoint Endpoint, body []byte) (int, []byte, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+string(endpoint), bytes.NewReader(body))
    if err != nil {
        return 0, nil, fmt.Errorf("build request: %w", err)
    }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("Accept", "application/json")

    resp, err := s.http.Do(req)
    if err != nil {
        return 0, nil, err
    }
    defer resp.Body.Close()

    data, err := io.ReadAll(resp.Body)
    if err != nil {
        return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
    }
    return resp.StatusCode, data, nil
}
