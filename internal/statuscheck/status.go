package statuscheck

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/local/ocrworker/internal/ai"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
    Ping(ctx context.Context) error
}

// ModelLister lists the models served by the model server.
type ModelLister interface {
    ListModels(ctx context.Context) ([]ai.ModelInfo, error)
}

// BucketChecker checks the configured image bucket.
type BucketChecker interface {
    HeadBucket(ctx context.Context) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
    models ModelLister
    model  string
    redis  RedisPinger
    s3     BucketChecker
}

// Options configures the Checker. Nil dependencies are reported as disabled.
type Options struct {
    Models ModelLister
    Model  string
    Redis  RedisPinger
    S3     BucketChecker
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    ModelServer Status `json:"model_server"`
    Model       Status `json:"model"`
    Redis       Status `json:"redis"`
    S3          Status `json:"s3"`
}

// Ready reports whether the components needed to serve a job are up.
func (s Summary) Ready() bool { return s.ModelServer.OK && s.Model.OK }

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
    return &Checker{models: opts.Models, model: opts.Model, redis: opts.Redis, s3: opts.S3}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
    server, model := c.checkModelServer(ctx)
    return Summary{
        ModelServer: server,
        Model:       model,
        Redis:       c.checkRedis(ctx),
        S3:          c.checkS3(ctx),
    }
}

func (c *Checker) checkModelServer(ctx context.Context) (Status, Status) {
    if c.models == nil {
        return Status{OK: false, Message: "client unavailable"}, Status{OK: false, Message: "unknown"}
    }
    models, err := c.models.ListModels(ctx)
    if err != nil {
        msg := trimError(err)
        return Status{OK: false, Message: msg}, Status{OK: false, Message: "unknown"}
    }
    server := Status{OK: true, Message: fmt.Sprintf("%d models available", len(models))}
    m, ok := ai.FindModel(models, c.model)
    if !ok {
        return server, Status{OK: false, Message: fmt.Sprintf("%s not found", c.model)}
    }
    if !m.LooksMultimodal() {
        return server, Status{OK: true, Message: fmt.Sprintf("%s listed (no vision hint)", m.Name)}
    }
    return server, Status{OK: true, Message: fmt.Sprintf("%s listed", m.Name)}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{OK: false, Message: "disabled"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
    if c.s3 == nil {
        return Status{OK: false, Message: "disabled"}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.s3.HeadBucket(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    if errors.Is(err, context.DeadlineExceeded) {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
