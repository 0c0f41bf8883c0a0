package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/local/ocrworker/internal/ai"
	mpkg "github.com/local/ocrworker/internal/metrics"
)

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 512

// Poster delivers a JSON payload to one endpoint of the model server.
type Poster interface {
	Post(ctx context.Context, endpoint ai.Endpoint, body []byte) (int, []byte, error)
}

// Versioner reports the model server version for exhaustion diagnostics.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

// NegotiatorConfig controls retry pacing for each candidate.
type NegotiatorConfig struct {
	Attempts         int
	RetryDelay       time.Duration
	InferenceTimeout time.Duration
	ProbeTimeout     time.Duration
}

// Negotiator walks the fixed endpoint/schema candidate list until one
// attempt returns a 2xx JSON envelope.
type Negotiator struct {
	server  Poster
	version Versioner
	conf    NegotiatorConfig
}

// NewNegotiator creates a negotiator. version may be nil, in which case no
// version diagnostic is attached to exhaustion errors.
func NewNegotiator(server Poster, version Versioner, conf NegotiatorConfig) *Negotiator {
	if conf.Attempts < 1 {
		conf.Attempts = 1
	}
	return &Negotiator{server: server, version: version, conf: conf}
}

// Negotiate tries every candidate in order with up to Attempts tries each and
// returns the first successful envelope. Non-2xx statuses, transport errors
// and non-JSON bodies are all retried; the image is never re-processed.
func (n *Negotiator) Negotiate(ctx context.Context, jobID string, req ai.Request) (ai.Envelope, error) {
	candidates := ai.Candidates()
	var lastErr error
	total := 0

	for i, cand := range candidates {
		body, err := ai.BuildPayload(cand.Schema, req)
		if err != nil {
			// unreachable for the known schemas
			lastErr = err
			continue
		}

		log.Info().
			Str("job_id", jobID).
			Str("endpoint", string(cand.Endpoint)).
			Str("schema", string(cand.Schema)).
			Int("candidate", i+1).
			Int("candidates", len(candidates)).
			Msg("trying payload format")

		attempt := 0
		var env ai.Envelope
		op := func() error {
			attempt++
			total++
			e, err := n.attempt(ctx, jobID, cand, body, attempt)
			if err != nil {
				lastErr = err
				return err
			}
			env = e
			return nil
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(n.conf.RetryDelay), uint64(n.conf.Attempts-1)),
			ctx,
		)
		if err := backoff.Retry(op, policy); err == nil {
			log.Info().
				Str("job_id", jobID).
				Str("candidate", cand.String()).
				Int("attempt", attempt).
				Int("total_attempts", total).
				Msg("payload format accepted")
			return env, nil
		}

		if ctx.Err() != nil {
			return ai.Envelope{}, fmt.Errorf("negotiation aborted: %w", ctx.Err())
		}
	}

	mpkg.IncExhausted()
	exhausted := &ExhaustedError{Candidates: len(candidates), Attempts: total, LastErr: lastErr}
	exhausted.ServerVersion = n.serverVersion(ctx, jobID)

	log.Error().
		Str("job_id", jobID).
		Int("attempts", total).
		Str("server_version", exhausted.ServerVersion).
		Err(lastErr).
		Msg("all payload formats exhausted")

	return ai.Envelope{}, exhausted
}

// attempt performs a single POST under its own inference timeout.
func (n *Negotiator) attempt(ctx context.Context, jobID string, cand ai.Candidate, body []byte, attempt int) (ai.Envelope, error) {
	actx, cancel := context.WithTimeout(ctx, n.conf.InferenceTimeout)
	defer cancel()

	start := time.Now()
	status, respBody, err := n.server.Post(actx, cand.Endpoint, body)
	dur := time.Since(start)

	if err == nil {
		switch {
		case status < http.StatusOK || status >= http.StatusMultipleChoices:
			err = &HTTPError{StatusCode: status, Body: truncate(string(respBody), maxErrorBody), Endpoint: string(cand.Endpoint)}
		case !gjson.ValidBytes(respBody):
			err = &DecodeError{Endpoint: string(cand.Endpoint), Err: errors.New("response body is not valid JSON")}
		}
	}

	result := classifyAttempt(err)
	mpkg.ObserveAttempt(string(cand.Endpoint), string(cand.Schema), result, dur)

	if err != nil {
		log.Warn().
			Str("job_id", jobID).
			Str("endpoint", string(cand.Endpoint)).
			Str("schema", string(cand.Schema)).
			Int("attempt", attempt).
			Int("max_attempts", n.conf.Attempts).
			Dur("duration", dur).
			Str("result", result).
			Err(err).
			Msg("payload attempt failed")
		return ai.Envelope{}, err
	}

	log.Debug().
		Str("job_id", jobID).
		Str("endpoint", string(cand.Endpoint)).
		Str("schema", string(cand.Schema)).
		Int("attempt", attempt).
		Int("status", status).
		Dur("duration", dur).
		Msg("payload attempt succeeded")

	return ai.Envelope{Candidate: cand, Body: respBody}, nil
}

// serverVersion fetches the server version on a best-effort basis.
func (n *Negotiator) serverVersion(ctx context.Context, jobID string) string {
	if n.version == nil {
		return ""
	}
	timeout := n.conf.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := n.version.Version(vctx)
	if err != nil {
		log.Warn().Str("job_id", jobID).Err(err).Msg("could not fetch model server version")
		return ""
	}
	return v
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
