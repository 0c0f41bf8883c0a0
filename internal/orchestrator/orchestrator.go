package orchestrator

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "math"
    "strings"
    "time"
    "unicode/utf8"

    "github.com/rs/zerolog/log"

    "github.com/local/ocrworker/internal/ai"
    "github.com/local/ocrworker/internal/dispatcher"
    "github.com/local/ocrworker/internal/filetype"
    "github.com/local/ocrworker/internal/imagerender"
    "github.com/local/ocrworker/internal/limiter"
    mpkg "github.com/local/ocrworker/internal/metrics"
    "github.com/local/ocrworker/internal/prompt"
    "github.com/local/ocrworker/internal/storage"
)

// Job is one invocation as delivered by the serverless runtime.
type Job struct {
    ID    string `json:"id,omitempty"`
    Input *Input `json:"input"`
}

// Input is the job's input object. All fields are optional.
type Input struct {
    ImageB64   string `json:"image_b64,omitempty"`
    ImageURL   string `json:"image_url,omitempty"`
    PromptType string `json:"prompt_type,omitempty"`
    BaseText   string `json:"base_text,omitempty"`
    PDFPath    string `json:"pdf_path,omitempty"`
    Prompt     string `json:"prompt,omitempty"`
}

// Result is the job outcome envelope.
type Result struct {
    OK             bool
    Model          string
    ElapsedSec     float64
    OutputText     string
    PromptType     string
    BaseTextLength int
    Error          string
}

type successEnvelope struct {
    OK             bool    `json:"ok"`
    Model          string  `json:"model"`
    ElapsedSec     float64 `json:"elapsed_sec"`
    OutputText     string  `json:"output_text"`
    PromptType     string  `json:"prompt_type"`
    BaseTextLength int     `json:"base_text_length"`
}

type failureEnvelope struct {
    OK    bool   `json:"ok"`
    Error string `json:"error"`
}

// MarshalJSON emits the success or failure shape depending on OK.
func (r Result) MarshalJSON() ([]byte, error) {
    if !r.OK {
        return json.Marshal(failureEnvelope{OK: false, Error: r.Error})
    }
    return json.Marshal(successEnvelope{
        OK:             true,
        Model:          r.Model,
        ElapsedSec:     r.ElapsedSec,
        OutputText:     r.OutputText,
        PromptType:     r.PromptType,
        BaseTextLength: r.BaseTextLength,
    })
}

// Prober lists the models served by the model server.
type Prober interface {
    ListModels(ctx context.Context) ([]ai.ModelInfo, error)
}

// Negotiator finds an endpoint/schema pair the model server accepts.
type Negotiator interface {
    Negotiate(ctx context.Context, jobID string, req ai.Request) (ai.Envelope, error)
}

// Loader resolves raw image bytes from the job's image sources.
type Loader interface {
    Load(ctx context.Context, imageB64, imageURL string) ([]byte, error)
}

type Dependencies struct {
    Prober     Prober
    Negotiator Negotiator
    Loader     Loader
    Detector   *filetype.Detector
    Limiter    *limiter.Inflight
    Queue      Queue
    Status     StatusStore
    Checker    Checker
}

// Options carries the per-deployment settings Handle needs.
type Options struct {
    Model        string
    CheckModel   bool
    Sampling     ai.Sampling
    ProbeTimeout time.Duration
}

type Orchestrator struct {
    deps Dependencies
    opts Options
}

func New(deps Dependencies, opts Options) *Orchestrator {
    if deps.Detector == nil { deps.Detector = filetype.New() }
    if opts.ProbeTimeout <= 0 { opts.ProbeTimeout = 10 * time.Second }
    return &Orchestrator{deps: deps, opts: opts}
}

// Job outcome labels for metrics.
const (
    outcomeOK            = "ok"
    outcomeValidation    = "validation"
    outcomeNotReady      = "not_ready"
    outcomeModelNotFound = "model_not_found"
    outcomeImage         = "image"
    outcomeInference     = "inference"
    outcomePanic         = "panic"
)

// Handle runs one OCR job end to end. It always returns an envelope; errors
// and panics become {ok:false, error}.
func (o *Orchestrator) Handle(ctx context.Context, job Job) (res Result) {
    start := time.Now()
    outcome := outcomeOK
    defer func() {
        if r := recover(); r != nil {
            log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("job handler panicked")
            res = Result{OK: false, Error: fmt.Sprint(r)}
            outcome = outcomePanic
        }
        mpkg.ObserveJob(outcome, time.Since(start))
    }()

    fail := func(kind string, err error) Result {
        outcome = kind
        log.Error().Str("job_id", job.ID).Str("outcome", kind).Err(err).Msg("job failed")
        return Result{OK: false, Error: err.Error()}
    }

    in := job.Input
    if in == nil { in = &Input{} }
    mode := in.PromptType
    if mode == "" { mode = prompt.ModeDefault }
    baseText := in.BaseText

    log.Info().
        Str("job_id", job.ID).
        Str("prompt_type", mode).
        Bool("has_image_b64", in.ImageB64 != "").
        Bool("has_image_url", in.ImageURL != "").
        Int("base_text_length", utf8.RuneCountInString(baseText)).
        Msg("job received")

    if !storage.HasSource(in.ImageB64, in.ImageURL) {
        return fail(outcomeValidation, &dispatcher.ValidationError{Message: storage.ErrNoImageSource.Error()})
    }

    if err := o.checkModelService(ctx, job.ID); err != nil {
        var nf *dispatcher.ModelNotFoundError
        if errors.As(err, &nf) {
            return fail(outcomeModelNotFound, err)
        }
        return fail(outcomeNotReady, err)
    }

    png, err := o.loadImage(ctx, job.ID, in)
    if err != nil {
        return fail(outcomeImage, &dispatcher.ImageError{Err: err})
    }

    if in.PDFPath != "" && baseText == "" {
        log.Warn().Str("job_id", job.ID).Str("pdf_path", in.PDFPath).Msg("pdf_path given without base_text; text layer extraction not available, continuing without anchor text")
    }

    if in.Prompt == "" && !prompt.Known(mode) {
        log.Warn().Str("job_id", job.ID).Str("prompt_type", mode).Msg("unknown prompt_type, using default template")
    }
    text := prompt.Resolve(in.Prompt, mode, baseText)

    if o.deps.Limiter != nil {
        release, err := o.deps.Limiter.Acquire(ctx, o.opts.Model)
        if err != nil {
            return fail(outcomeInference, fmt.Errorf("Failed to call model API: waiting for inference slot: %w", err))
        }
        defer release()
    }

    // inference is not aborted by caller cancellation once started
    env, err := o.deps.Negotiator.Negotiate(context.WithoutCancel(ctx), job.ID, ai.Request{
        Model:    o.opts.Model,
        Prompt:   text,
        ImagePNG: png,
        Sampling: o.opts.Sampling,
    })
    if err != nil {
        return fail(outcomeInference, fmt.Errorf("Failed to call model API: %w", err))
    }

    output := ai.Interpret(ai.ExtractText(env.Body))
    elapsed := math.Round(time.Since(start).Seconds()*1000) / 1000

    log.Info().
        Str("job_id", job.ID).
        Str("candidate", env.Candidate.String()).
        Int("output_length", len(output)).
        Float64("elapsed_sec", elapsed).
        Msg("job completed")

    return Result{
        OK:             true,
        Model:          o.opts.Model,
        ElapsedSec:     elapsed,
        OutputText:     output,
        PromptType:     mode,
        BaseTextLength: utf8.RuneCountInString(baseText),
    }
}

// checkModelService probes the model listing and, when enabled, verifies the
// configured model is present.
func (o *Orchestrator) checkModelService(ctx context.Context, jobID string) error {
    pctx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
    defer cancel()

    models, err := o.deps.Prober.ListModels(pctx)
    if err != nil {
        return &dispatcher.UnavailableError{Target: "Model service", Err: err}
    }
    log.Debug().Str("job_id", jobID).Int("models", len(models)).Msg("model service ready")

    if !o.opts.CheckModel {
        return nil
    }
    m, ok := ai.FindModel(models, o.opts.Model)
    if !ok {
        return &dispatcher.ModelNotFoundError{Model: o.opts.Model, Available: ai.Names(models)}
    }

    ev := log.Info().Str("job_id", jobID).Str("model", m.Name).Int64("size", m.Size)
    if !m.ModifiedAt.IsZero() { ev = ev.Time("modified_at", m.ModifiedAt) }
    ev.Msg("model available")

    if !m.LooksMultimodal() {
        log.Warn().
            Str("job_id", jobID).
            Str("model", m.Name).
            Str("family", m.Family).
            Strs("families", m.Families).
            Msg("model details do not indicate vision support")
    }
    return nil
}

// loadImage acquires and normalizes the job image.
func (o *Orchestrator) loadImage(ctx context.Context, jobID string, in *Input) ([]byte, error) {
    raw, err := o.deps.Loader.Load(ctx, in.ImageB64, in.ImageURL)
    if err != nil {
        return nil, err
    }

    info := o.deps.Detector.DetectBytes(raw)
    mpkg.IncImageFormat(info.MIMEType)
    if !info.Decodable {
        log.Warn().Str("job_id", jobID).Str("mime", info.MIMEType).Msg("input does not look like a supported raster image; trying to decode anyway")
    }

    png, err := imagerender.Normalize(raw)
    if err != nil {
        return nil, err
    }
    ev := log.Debug().
        Str("job_id", jobID).
        Str("source_mime", info.MIMEType).
        Int("source_bytes", len(raw)).
        Int("png_bytes", len(png))
    if w, h, err := imagerender.GetImageDimensions(png); err == nil {
        ev = ev.Int("width", w).Int("height", h)
    }
    ev.Msg("image normalized")
    return png, nil
}

// HandleQueued runs a job taken off the queue and returns the encoded
// envelope.
func (o *Orchestrator) HandleQueued(ctx context.Context, jobID string, input json.RawMessage) (bool, []byte) {
    job := Job{ID: jobID}
    trimmed := strings.TrimSpace(string(input))
    if trimmed != "" && trimmed != "null" {
        var in Input
        if err := json.Unmarshal(input, &in); err != nil {
            out, _ := json.Marshal(Result{OK: false, Error: fmt.Sprintf("invalid input: %v", err)})
            return false, out
        }
        job.Input = &in
    }
    res := o.Handle(ctx, job)
    out, err := json.Marshal(res)
    if err != nil {
        out, _ = json.Marshal(Result{OK: false, Error: err.Error()})
        return false, out
    }
    return res.OK, out
}
