package logger

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sync"
    "sync/atomic"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const defaultService = "ocrworker"

const (
    axiomBatchSize  = 200
    axiomBufferSize = 1000
    axiomTimeout    = 15 * time.Second
)

// Options defines logger initialization parameters.
type Options struct {
    Service    string
    Level      string
    Pretty     bool
    File       string
    MaxSizeMB  int
    MaxBackups int
    MaxAgeDays int
    Compress   bool

    SendToAxiom   bool
    AxiomAPIKey   string
    AxiomOrgID    string
    AxiomDataset  string
    AxiomFlush    time.Duration
    AxiomMinLevel string

    // Out overrides stdout; used by tests.
    Out io.Writer
}

var (
    global zerolog.Logger
    ax     *axiomClient
)

// Init installs the global logger. Every event carries the service name;
// stdout always receives events, the rotated file and Axiom are optional.
func Init(opts Options) error {
    if opts.Service == "" { opts.Service = defaultService }

    writers, err := buildWriters(opts)
    if err != nil { return err }

    zerolog.TimeFieldFormat = time.RFC3339
    global = zerolog.New(zerolog.MultiLevelWriter(writers...)).
        Level(parseLevel(opts.Level, zerolog.InfoLevel)).
        With().Timestamp().Str("service", opts.Service).
        Logger()
    log.Logger = global
    return nil
}

func buildWriters(opts Options) ([]io.Writer, error) {
    stdout := opts.Out
    if stdout == nil { stdout = os.Stdout }

    var writers []io.Writer
    if opts.Pretty {
        writers = append(writers, zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339})
    } else {
        writers = append(writers, stdout)
    }

    if opts.File != "" {
        if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
            return nil, fmt.Errorf("create logs dir: %w", err)
        }
        writers = append(writers, &lumberjack.Logger{
            Filename:   opts.File,
            MaxSize:    opts.MaxSizeMB,
            MaxBackups: opts.MaxBackups,
            MaxAge:     opts.MaxAgeDays,
            Compress:   opts.Compress,
        })
    }

    if opts.SendToAxiom && opts.AxiomAPIKey != "" {
        client, err := newAxiomClient(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
        if err != nil {
            fmt.Fprintf(os.Stderr, "axiom log shipping disabled: %v\n", err)
        } else {
            ax = client
            writers = append(writers, &axiomWriter{
                client:  client,
                service: opts.Service,
                min:     parseLevel(opts.AxiomMinLevel, zerolog.InfoLevel),
            })
        }
    }
    return writers, nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
    if s == "" { return def }
    lvl, err := zerolog.ParseLevel(s)
    if err != nil { return def }
    return lvl
}

// Close drains the Axiom buffer, if any.
func Close() {
    if ax != nil {
        _ = ax.Close()
        ax = nil
    }
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// axiomWriter turns zerolog JSON lines into Axiom events. Events below min
// are not shipped.
type axiomWriter struct {
    client  *axiomClient
    service string
    min     zerolog.Level
}

func (w *axiomWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
    if l < w.min { return len(p), nil }
    w.client.Send(w.event(p))
    return len(p), nil
}

// Write is used when the level is not known up front.
func (w *axiomWriter) Write(p []byte) (int, error) {
    ev := w.event(p)
    if s, ok := ev[zerolog.LevelFieldName].(string); ok {
        if l, err := zerolog.ParseLevel(s); err == nil && l < w.min {
            return len(p), nil
        }
    }
    w.client.Send(ev)
    return len(p), nil
}

func (w *axiomWriter) event(p []byte) axiom.Event {
    var ev map[string]interface{}
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = map[string]interface{}{zerolog.MessageFieldName: string(p), zerolog.LevelFieldName: "info"}
    }
    if _, ok := ev["service"]; !ok { ev["service"] = w.service }
    if _, ok := ev[ingest.TimestampField]; !ok { ev[ingest.TimestampField] = time.Now() }
    return axiom.Event(ev)
}

// axiomClient batches events and ingests them on a ticker or when a batch
// fills up. Sends never block the logging caller.
type axiomClient struct {
    client  *axiom.Client
    dataset string
    ch      chan axiom.Event
    dropped atomic.Int64
    failed  atomic.Int64
    wg      sync.WaitGroup
    ctx     context.Context
    cancel  context.CancelFunc
}

func newAxiomClient(token, orgID, dataset string, flushEvery time.Duration) (*axiomClient, error) {
    if dataset == "" { dataset = "dev_" + defaultService }
    opts := []axiom.Option{axiom.SetToken(token)}
    if orgID != "" { opts = append(opts, axiom.SetOrganizationID(orgID)) }
    c, err := axiom.NewClient(opts...)
    if err != nil { return nil, err }
    if flushEvery <= 0 { flushEvery = 10 * time.Second }

    ctx, cancel := context.WithCancel(context.Background())
    ac := &axiomClient{
        client:  c,
        dataset: dataset,
        ch:      make(chan axiom.Event, axiomBufferSize),
        ctx:     ctx,
        cancel:  cancel,
    }
    ac.wg.Add(1)
    go ac.loop(flushEvery)
    return ac, nil
}

func (a *axiomClient) Send(ev axiom.Event) {
    select {
    case a.ch <- ev:
    default:
        a.dropped.Add(1)
    }
}

func (a *axiomClient) loop(flushEvery time.Duration) {
    defer a.wg.Done()
    ticker := time.NewTicker(flushEvery)
    defer ticker.Stop()

    batch := make([]axiom.Event, 0, axiomBatchSize)
    flush := func() {
        if len(batch) == 0 { return }
        ctx, cancel := context.WithTimeout(context.Background(), axiomTimeout)
        if _, err := a.client.IngestEvents(ctx, a.dataset, batch); err != nil {
            if a.failed.Add(int64(len(batch))) == int64(len(batch)) {
                fmt.Fprintf(os.Stderr, "axiom ingest failed: %v\n", err)
            }
        }
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case <-a.ctx.Done():
            for len(a.ch) > 0 {
                batch = append(batch, <-a.ch)
                if len(batch) >= axiomBatchSize { flush() }
            }
            flush()
            return
        case <-ticker.C:
            flush()
        case ev := <-a.ch:
            batch = append(batch, ev)
            if len(batch) >= axiomBatchSize { flush() }
        }
    }
}

func (a *axiomClient) Close() error {
    a.cancel()
    a.wg.Wait()
    if d, f := a.dropped.Load(), a.failed.Load(); d > 0 || f > 0 {
        fmt.Fprintf(os.Stderr, "axiom: %d events dropped, %d failed to ingest\n", d, f)
    }
    return nil
}
