package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
    MinLevel      string
}

// ModelConfig points the worker at the model server.
type ModelConfig struct {
    Host       string // base URL of the Ollama-compatible server
    Name       string // model identifier sent with every request
    CheckModel bool   // verify Name is listed before inference
    MaxInflight int   // concurrent inference calls per model in this process
}

// SamplingConfig holds the fixed sampling parameters sent with every payload.
type SamplingConfig struct {
    Temperature       float64
    TopP              float64
    RepetitionPenalty float64
}

// NegotiationConfig bounds the endpoint/schema search.
type NegotiationConfig struct {
    Attempts         int
    RetryDelay       time.Duration
    InferenceTimeout time.Duration
    ProbeTimeout     time.Duration
    FetchTimeout     time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
    Enabled      bool
    RedisURL     string
    Stream       string
    Group        string
    Concurrency  int
    BlockTimeout time.Duration
    ResultTTL    time.Duration
}

// StorageConfig configures the optional S3 image source.
type StorageConfig struct {
    Region    string
    Endpoint  string
    AccessKey string
    SecretKey string
    Bucket    string
}

// Config is the top-level configuration.
type Config struct {
    Port        string
    Logging     LoggingConfig
    Axiom       AxiomConfig
    Model       ModelConfig
    Sampling    SamplingConfig
    Negotiation NegotiationConfig
    Queue       QueueConfig
    Storage     StorageConfig
}

// Default returns the configuration used when no environment is set.
func Default() Config {
    return Config{
        Port: "8080",
        Logging: LoggingConfig{
            Level:      "info",
            MaxSizeMB:  100,
            MaxBackups: 10,
            MaxAgeDays: 30,
            Compress:   true,
        },
        Axiom: AxiomConfig{Dataset: "dev_ocrworker", FlushInterval: 10 * time.Second},
        Model: ModelConfig{
            Host:       "http://127.0.0.1:11434",
            Name:       "scb10x/typhoon-ocr-7b",
            CheckModel: true,
            MaxInflight: 1,
        },
        Sampling: SamplingConfig{Temperature: 0.1, TopP: 0.6, RepetitionPenalty: 1.2},
        Negotiation: NegotiationConfig{
            Attempts:         3,
            RetryDelay:       2 * time.Second,
            InferenceTimeout: 300 * time.Second,
            ProbeTimeout:     10 * time.Second,
            FetchTimeout:     30 * time.Second,
        },
        Queue: QueueConfig{
            RedisURL:     "redis://localhost:6379",
            Stream:       "jobs:ocr",
            Group:        "workers:ocr",
            Concurrency:  1,
            BlockTimeout: 2 * time.Second,
            ResultTTL:    24 * time.Hour,
        },
    }
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    d := Default()
    cfg := Config{Port: getEnv("PORT", d.Port)}

    // Logging defaults
    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", d.Logging.Level),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", ""),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", ""), d.Logging.MaxSizeMB),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", ""), d.Logging.MaxBackups),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", ""), d.Logging.MaxAgeDays),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    // Axiom defaults
    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_ocrworker",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", ""), d.Axiom.FlushInterval),
        MinLevel:      getEnv("AXIOM_MIN_LEVEL", "info"),
    }

    cfg.Model = ModelConfig{
        Host:       strings.TrimRight(getEnv("OLLAMA_HOST", d.Model.Host), "/"),
        Name:       getEnv("MODEL_NAME", d.Model.Name),
        CheckModel: parseBool(getEnv("MODEL_CHECK", "true")),
        MaxInflight: parseInt(getEnv("MAX_INFLIGHT", ""), d.Model.MaxInflight),
    }

    cfg.Sampling = SamplingConfig{
        Temperature:       parseFloat(getEnv("SAMPLING_TEMPERATURE", ""), d.Sampling.Temperature),
        TopP:              parseFloat(getEnv("SAMPLING_TOP_P", ""), d.Sampling.TopP),
        RepetitionPenalty: parseFloat(getEnv("SAMPLING_REPETITION_PENALTY", ""), d.Sampling.RepetitionPenalty),
    }

    cfg.Negotiation = NegotiationConfig{
        Attempts:         parseInt(getEnv("NEGOTIATION_ATTEMPTS", ""), d.Negotiation.Attempts),
        RetryDelay:       parseDuration(getEnv("NEGOTIATION_RETRY_DELAY", ""), d.Negotiation.RetryDelay),
        InferenceTimeout: parseDuration(getEnv("INFERENCE_TIMEOUT", ""), d.Negotiation.InferenceTimeout),
        ProbeTimeout:     parseDuration(getEnv("PROBE_TIMEOUT", ""), d.Negotiation.ProbeTimeout),
        FetchTimeout:     parseDuration(getEnv("FETCH_TIMEOUT", ""), d.Negotiation.FetchTimeout),
    }
    if cfg.Negotiation.Attempts <= 0 { cfg.Negotiation.Attempts = d.Negotiation.Attempts }

    // Queue defaults
    cfg.Queue = QueueConfig{
        Enabled:      parseBool(getEnv("RUN_QUEUE_WORKER", "0")),
        RedisURL:     getEnv("REDIS_URL", d.Queue.RedisURL),
        Stream:       getEnv("QUEUE_STREAM", d.Queue.Stream),
        Group:        getEnv("QUEUE_GROUP", d.Queue.Group),
        Concurrency:  parseInt(getEnv("WORKER_CONCURRENCY", ""), d.Queue.Concurrency),
        BlockTimeout: parseDuration(getEnv("QUEUE_BLOCK_TIMEOUT", ""), d.Queue.BlockTimeout),
        ResultTTL:    parseDuration(getEnv("RESULT_TTL", ""), d.Queue.ResultTTL),
    }

    cfg.Storage = StorageConfig{
        Region:    getEnv("AWS_REGION", ""),
        Endpoint:  getEnv("S3_ENDPOINT", ""),
        AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
        SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
        Bucket:    getEnv("AWS_S3_BUCKET", ""),
    }

    return cfg
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseFloat(s string, def float64) float64 {
    if s == "" { return def }
    if f, err := strconv.ParseFloat(s, 64); err == nil { return f }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
