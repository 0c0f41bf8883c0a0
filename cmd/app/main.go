package main

import (
    "context"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/rs/zerolog/log"

    "github.com/local/ocrworker/internal/ai"
    cfgpkg "github.com/local/ocrworker/internal/config"
    "github.com/local/ocrworker/internal/dispatcher"
    "github.com/local/ocrworker/internal/filetype"
    "github.com/local/ocrworker/internal/limiter"
    logpkg "github.com/local/ocrworker/internal/logger"
    "github.com/local/ocrworker/internal/metrics"
    "github.com/local/ocrworker/internal/orchestrator"
    "github.com/local/ocrworker/internal/queue"
    "github.com/local/ocrworker/internal/statuscheck"
    "github.com/local/ocrworker/internal/storage"
    "github.com/local/ocrworker/internal/store"
)

func main() {
    // .env is optional
    _ = godotenv.Load()
    cfg := cfgpkg.FromEnv()

    // Init logging
    _ = logpkg.Init(logpkg.Options{
        Level: cfg.Logging.Level,
        Pretty: cfg.Logging.Pretty,
        File: cfg.Logging.File,
        MaxSizeMB: cfg.Logging.MaxSizeMB,
        MaxBackups: cfg.Logging.MaxBackups,
        MaxAgeDays: cfg.Logging.MaxAgeDays,
        Compress: cfg.Logging.Compress,
        SendToAxiom: cfg.Axiom.Send && cfg.Axiom.APIKey != "",
        AxiomAPIKey: cfg.Axiom.APIKey,
        AxiomOrgID: cfg.Axiom.OrgID,
        AxiomDataset: cfg.Axiom.Dataset,
        AxiomFlush: cfg.Axiom.FlushInterval,
        AxiomMinLevel: cfg.Axiom.MinLevel,
    })
    defer logpkg.Close()

    metrics.Init()

    log.Info().
        Str("ollama_host", cfg.Model.Host).
        Str("model", cfg.Model.Name).
        Bool("model_check", cfg.Model.CheckModel).
        Int("attempts", cfg.Negotiation.Attempts).
        Dur("retry_delay", cfg.Negotiation.RetryDelay).
        Dur("inference_timeout", cfg.Negotiation.InferenceTimeout).
        Msg("starting ocr worker")

    // Model server
    prober, err := ai.NewProber(cfg.Model.Host, cfg.Negotiation.ProbeTimeout)
    if err != nil {
        log.Fatal().Err(err).Msg("invalid model server url")
    }
    server := ai.NewServer(cfg.Model.Host, nil)
    log.Info().Str("model_server", server.BaseURL()).Msg("model server configured")
    negotiator := dispatcher.NewNegotiator(server, prober, dispatcher.NegotiatorConfig{
        Attempts:         cfg.Negotiation.Attempts,
        RetryDelay:       cfg.Negotiation.RetryDelay,
        InferenceTimeout: cfg.Negotiation.InferenceTimeout,
        ProbeTimeout:     cfg.Negotiation.ProbeTimeout,
    })

    // Optional S3 image source
    var objects storage.ObjectGetter
    var bucket statuscheck.BucketChecker
    if cfg.Storage.Bucket != "" || cfg.Storage.Endpoint != "" {
        s3c, err := storage.NewS3Client(context.Background(), cfg.Storage)
        if err != nil {
            log.Warn().Err(err).Msg("s3 image source disabled")
        } else {
            objects, bucket = s3c, s3c
        }
    }

    deps := orchestrator.Dependencies{
        Prober:     prober,
        Negotiator: negotiator,
        Loader:     storage.NewLoader(cfg.Negotiation.FetchTimeout, objects),
        Detector:   filetype.New(),
        Limiter:    limiter.New(cfg.Model.MaxInflight),
    }
    checkOpts := statuscheck.Options{Models: prober, Model: cfg.Model.Name, S3: bucket}

    // Queue + result store (optional)
    var rq *queue.RedisQueue
    var rs *store.RedisStatus
    if cfg.Queue.Enabled {
        rc, err := queue.Connect(context.Background(), cfg.Queue.RedisURL)
        if err != nil {
            log.Fatal().Err(err).Msg("failed to connect to redis")
        }
        defer rc.Close()
        rq, err = queue.NewRedisQueue(context.Background(), rc, cfg.Queue.Stream, cfg.Queue.Group)
        if err != nil {
            log.Fatal().Err(err).Msg("failed to init redis queue")
        }
        rs = store.NewRedisStatus(rc, cfg.Queue.ResultTTL)
        deps.Queue, deps.Status = rq, rs
        checkOpts.Redis = rq
    }
    deps.Checker = statuscheck.New(checkOpts)

    orch := orchestrator.New(deps, orchestrator.Options{
        Model:      cfg.Model.Name,
        CheckModel: cfg.Model.CheckModel,
        Sampling: ai.Sampling{
            Temperature:       cfg.Sampling.Temperature,
            TopP:              cfg.Sampling.TopP,
            RepetitionPenalty: cfg.Sampling.RepetitionPenalty,
        },
        ProbeTimeout: cfg.Negotiation.ProbeTimeout,
    })
    mux := http.NewServeMux()
    orch.RegisterRoutes(mux)

    // Queue worker (optional)
    var worker *dispatcher.Worker
    if rq != nil {
        host, _ := os.Hostname()
        worker = dispatcher.New(dispatcher.Config{
            Concurrency:  cfg.Queue.Concurrency,
            BlockTimeout: cfg.Queue.BlockTimeout,
            Consumer:     host,
        }, rq, rs, orch)
        worker.Start()
    }

    srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

    go func(){
        log.Info().Msgf("HTTP server listening on :%s", cfg.Port)
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatal().Err(err).Msg("http server error")
        }
    }()

    // Graceful shutdown
    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    <-stop
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    _ = srv.Shutdown(ctx)
    if worker != nil {
        if err := worker.Stop(ctx); err != nil {
            log.Warn().Err(err).Msg("queue worker did not drain before shutdown")
        }
    }
    fmt.Println("shutdown complete")
}
