package orchestrator

import (
    "context"
    "encoding/json"
    "io"
    "net/http"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog/log"

    mpkg "github.com/local/ocrworker/internal/metrics"
    "github.com/local/ocrworker/internal/statuscheck"
    "github.com/local/ocrworker/internal/store"
)

// maxRequestBytes bounds a job request body (base64 images included).
const maxRequestBytes = 96 << 20

type Queue interface {
    Enqueue(ctx context.Context, payload []byte) (string, error)
    CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
    Queued(ctx context.Context, jobID string) error
    CancelQueued(ctx context.Context, jobID string) (string, bool, error)
    Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type Checker interface {
    Summary(ctx context.Context) statuscheck.Summary
}

// QueuedJob is the stream entry written by /run and read by the queue worker.
type QueuedJob struct {
    ID       string          `json:"id"`
    Input    json.RawMessage `json:"input,omitempty"`
    Enqueued time.Time       `json:"enqueued_at"`
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request){ w.WriteHeader(http.StatusOK); _,_ = w.Write([]byte("ok")) })
    mux.HandleFunc("GET /ready", o.handleReady)
    mux.HandleFunc("POST /runsync", o.handleRunSync)
    mux.HandleFunc("POST /run", o.handleRun)
    mux.HandleFunc("GET /status/{id}", o.handleStatus)
    mux.HandleFunc("POST /cancel/{id}", o.handleCancel)
    mux.Handle("GET /metrics", mpkg.Handler())
}

type runRequest struct {
    ID    string          `json:"id"`
    Input json.RawMessage `json:"input"`
}

type runResp struct {
    ID     string `json:"id"`
    Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func decodeRun(r *http.Request) (runRequest, error) {
    var req runRequest
    body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
    if err != nil { return req, err }
    if err := json.Unmarshal(body, &req); err != nil { return req, err }
    if req.ID == "" { req.ID = uuid.NewString() }
    return req, nil
}

// handleRunSync runs the job inline and answers with its envelope.
func (o *Orchestrator) handleRunSync(w http.ResponseWriter, r *http.Request) {
    defer r.Body.Close()
    req, err := decodeRun(r)
    if err != nil {
        writeJSON(w, http.StatusBadRequest, Result{OK: false, Error: "invalid json: " + err.Error()})
        return
    }
    ok, out := o.HandleQueued(r.Context(), req.ID, req.Input)
    w.Header().Set("Content-Type", "application/json")
    w.Header().Set("X-Job-Id", req.ID)
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write(out)
    log.Debug().Str("job_id", req.ID).Bool("ok", ok).Msg("runsync answered")
}

// handleRun enqueues the job for the queue worker.
func (o *Orchestrator) handleRun(w http.ResponseWriter, r *http.Request) {
    if o.deps.Queue == nil || o.deps.Status == nil {
        http.Error(w, "queue disabled", http.StatusServiceUnavailable); return
    }
    defer r.Body.Close()
    req, err := decodeRun(r)
    if err != nil {
        http.Error(w, "invalid json", http.StatusBadRequest); return
    }

    data, _ := json.Marshal(QueuedJob{ID: req.ID, Input: req.Input, Enqueued: time.Now().UTC()})
    if err := o.deps.Status.Queued(r.Context(), req.ID); err != nil {
        log.Error().Err(err).Str("job_id", req.ID).Msg("status write failed")
        http.Error(w, "status store unavailable", http.StatusServiceUnavailable); return
    }
    if _, err := o.deps.Queue.Enqueue(r.Context(), data); err != nil {
        log.Error().Err(err).Str("job_id", req.ID).Msg("enqueue failed")
        http.Error(w, "queue unavailable", http.StatusServiceUnavailable); return
    }
    log.Info().Str("job_id", req.ID).Msg("job enqueued")
    writeJSON(w, http.StatusOK, runResp{ID: req.ID, Status: store.StatusInQueue})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
    if o.deps.Status == nil {
        http.Error(w, "queue disabled", http.StatusServiceUnavailable); return
    }
    id := r.PathValue("id")
    st, ok, err := o.deps.Status.Get(r.Context(), id)
    if err != nil {
        http.Error(w, "status store unavailable", http.StatusServiceUnavailable); return
    }
    if !ok {
        http.Error(w, "job not found", http.StatusNotFound); return
    }
    writeJSON(w, http.StatusOK, st)
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
    if o.deps.Queue == nil || o.deps.Status == nil {
        http.Error(w, "queue disabled", http.StatusServiceUnavailable); return
    }
    id := r.PathValue("id")
    cur, applied, err := o.deps.Status.CancelQueued(r.Context(), id)
    if err != nil {
        http.Error(w, "status store unavailable", http.StatusServiceUnavailable); return
    }
    if cur == "" {
        http.Error(w, "job not found", http.StatusNotFound); return
    }
    if !applied {
        writeJSON(w, http.StatusConflict, runResp{ID: id, Status: cur}); return
    }
    // status hash is authoritative
    if err := o.deps.Queue.CancelJob(r.Context(), id); err != nil {
        log.Warn().Err(err).Str("job_id", id).Msg("cancel marker write failed")
    }
    log.Info().Str("job_id", id).Msg("job cancelled")
    writeJSON(w, http.StatusOK, runResp{ID: id, Status: store.StatusCancelled})
}

func (o *Orchestrator) handleReady(w http.ResponseWriter, r *http.Request) {
    if o.deps.Checker == nil {
        w.WriteHeader(http.StatusOK); return
    }
    s := o.deps.Checker.Summary(r.Context())
    status := http.StatusOK
    if !s.Ready() { status = http.StatusServiceUnavailable }
    writeJSON(w, status, s)
}
