package dispatcher

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "time"

    "github.com/rs/zerolog/log"

    mpkg "github.com/local/ocrworker/internal/metrics"
)

type Queue interface {
    Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error)
    Ack(ctx context.Context, msgID string) error
    AddDLQ(ctx context.Context, payload []byte, reason string) error
    IsCancelled(ctx context.Context, jobID string) (bool, error)
    Depths(ctx context.Context) (int64, int64, error)
}

type StatusStore interface {
    Start(ctx context.Context, jobID string) (bool, error)
    Finished(ctx context.Context, jobID string, ok bool, output []byte) error
}

// JobHandler runs one queued job and returns its encoded envelope.
type JobHandler interface {
    HandleQueued(ctx context.Context, jobID string, input json.RawMessage) (bool, []byte)
}

type Config struct {
    Concurrency  int
    BlockTimeout time.Duration
    Consumer     string
}

// queuedJob mirrors the entry written by the HTTP /run route.
type queuedJob struct {
    ID    string          `json:"id"`
    Input json.RawMessage `json:"input"`
}

type Worker struct {
    cfg     Config
    q       Queue
    status  StatusStore
    handler JobHandler
    stop    chan struct{}
    wg      sync.WaitGroup
}

func New(cfg Config, q Queue, status StatusStore, handler JobHandler) *Worker {
    if cfg.Concurrency <= 0 { cfg.Concurrency = 1 }
    if cfg.BlockTimeout <= 0 { cfg.BlockTimeout = 2 * time.Second }
    if cfg.Consumer == "" { cfg.Consumer = "ocrworker" }
    return &Worker{cfg: cfg, q: q, status: status, handler: handler, stop: make(chan struct{})}
}

func (w *Worker) Start() {
    for i := 0; i < w.cfg.Concurrency; i++ {
        w.wg.Add(1)
        go w.loop(i)
    }
}

// Stop signals the loops and waits for in-flight jobs until ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
    close(w.stop)
    done := make(chan struct{})
    go func() { w.wg.Wait(); close(done) }()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (w *Worker) loop(id int) {
    defer w.wg.Done()
    consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, id)
    log.Info().Int("worker", id).Str("consumer", consumer).Msg("queue worker started")
    for {
        select {
        case <-w.stop:
            log.Info().Int("worker", id).Msg("queue worker stopped")
            return
        default:
        }

        msgID, data, err := w.q.Dequeue(context.Background(), consumer, w.cfg.BlockTimeout)
        if err != nil {
            log.Error().Err(err).Msg("queue dequeue error")
            time.Sleep(500 * time.Millisecond)
            continue
        }
        if msgID == "" { continue }

        w.process(context.Background(), id, msgID, data)
        w.reportDepths()
    }
}

// process handles one stream entry and always ACKs it.
func (w *Worker) process(ctx context.Context, id int, msgID string, data []byte) {
    defer func() {
        if err := w.q.Ack(ctx, msgID); err != nil {
            log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
        }
    }()

    var job queuedJob
    if err := json.Unmarshal(data, &job); err != nil || job.ID == "" {
        reason := "missing job id"
        if err != nil { reason = err.Error() }
        log.Warn().Int("worker", id).Str("msg_id", msgID).Str("reason", reason).Msg("unprocessable queue entry; moving to DLQ")
        if err := w.q.AddDLQ(ctx, data, reason); err != nil {
            log.Error().Err(err).Msg("dlq write failed")
        }
        return
    }

    cancelled, err := w.q.IsCancelled(ctx, job.ID)
    if err != nil {
        log.Warn().Err(err).Str("job_id", job.ID).Msg("cancel marker lookup failed")
    }
    if cancelled {
        log.Warn().Int("worker", id).Str("job_id", job.ID).Msg("job cancelled before processing; skipping")
        return
    }

    started, err := w.status.Start(ctx, job.ID)
    if err != nil {
        log.Warn().Err(err).Str("job_id", job.ID).Msg("status update failed")
    } else if !started {
        log.Warn().Int("worker", id).Str("job_id", job.ID).Msg("job cancelled before start; skipping")
        return
    }

    ok, out := w.handler.HandleQueued(ctx, job.ID, job.Input)

    if err := w.status.Finished(ctx, job.ID, ok, out); err != nil {
        log.Error().Err(err).Str("job_id", job.ID).Msg("result write failed")
    }
    log.Info().Int("worker", id).Str("job_id", job.ID).Bool("ok", ok).Msg("queued job finished")
}

func (w *Worker) reportDepths() {
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    stream, dlq, err := w.q.Depths(ctx)
    if err != nil { return }
    mpkg.SetQueueDepth("stream", stream)
    mpkg.SetQueueDepth("dlq", dlq)
}
