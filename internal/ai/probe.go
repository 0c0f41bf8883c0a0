package ai

import (
    "context"
    "fmt"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/ollama/ollama/api"
)

// ModelInfo is the subset of a listed model the worker cares about.
type ModelInfo struct {
    Name       string
    Size       int64
    ModifiedAt time.Time
    Family     string
    Families   []string
}

// Prober issues lightweight metadata calls (model list, version) against
// the model server through the Ollama API client.
type Prober struct {
    client *api.Client
}

// NewProber builds a Prober whose every call is bounded by timeout.
func NewProber(baseURL string, timeout time.Duration) (*Prober, error) {
    u, err := url.Parse(baseURL)
    if err != nil {
        return nil, fmt.Errorf("parse model server url: %w", err)
    }
    if u.Scheme == "" || u.Host == "" {
        return nil, fmt.Errorf("model server url %q must include scheme and host", baseURL)
    }
    return &Prober{client: api.NewClient(u, &http.Client{Timeout: timeout})}, nil
}

// ListModels calls the model listing endpoint (/api/tags).
func (p *Prober) ListModels(ctx context.Context) ([]ModelInfo, error) {
    resp, err := p.client.List(ctx)
    if err != nil {
        return nil, err
    }
    out := make([]ModelInfo, 0, len(resp.Models))
    for _, m := range resp.Models {
        name := m.Name
        if name == "" { name = m.Model }
        out = append(out, ModelInfo{
            Name:       name,
            Size:       m.Size,
            ModifiedAt: m.ModifiedAt,
            Family:     m.Details.Family,
            Families:   m.Details.Families,
        })
    }
    return out, nil
}

// Version calls the version endpoint (/api/version).
func (p *Prober) Version(ctx context.Context) (string, error) {
    return p.client.Version(ctx)
}

// FindModel returns the listed model matching name. A name without a tag
// also matches its ":latest" variant.
func FindModel(models []ModelInfo, name string) (ModelInfo, bool) {
    for _, m := range models {
        if m.Name == name {
            return m, true
        }
    }
    if !strings.Contains(name[strings.LastIndex(name, "/")+1:], ":") {
        for _, m := range models {
            if m.Name == name+":latest" {
                return m, true
            }
        }
    }
    return ModelInfo{}, false
}

// Names returns the model names in listing order.
func Names(models []ModelInfo) []string {
    out := make([]string, 0, len(models))
    for _, m := range models {
        out = append(out, m.Name)
    }
    return out
}

// LooksMultimodal reports whether the listing hints at vision support.
func (m ModelInfo) LooksMultimodal() bool {
    s := strings.ToLower(m.Name + " " + m.Family + " " + strings.Join(m.Families, " "))
    for _, hint := range []string{"vision", "multimodal", "clip", "-vl", "mllama", "ocr"} {
        if strings.Contains(s, hint) {
            return true
        }
    }
    return false
}
