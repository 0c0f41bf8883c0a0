package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/ocrworker/internal/ai"
	"github.com/local/ocrworker/internal/dispatcher"
	"github.com/local/ocrworker/internal/limiter"
	"github.com/local/ocrworker/internal/prompt"
	"github.com/local/ocrworker/internal/storage"
)

const testModel = "scb10x/typhoon-ocr-7b"

func onePixelPNG(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type fakeProber struct {
	models []ai.ModelInfo
	err    error
	calls  int
}

func (f *fakeProber) ListModels(context.Context) ([]ai.ModelInfo, error) {
	f.calls++
	return f.models, f.err
}

type fakeNegotiator struct {
	mu    sync.Mutex
	reqs  []ai.Request
	body  string
	err   error
	panic bool
}

func (f *fakeNegotiator) Negotiate(_ context.Context, _ string, req ai.Request) (ai.Envelope, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.panic {
		panic("negotiator exploded")
	}
	if f.err != nil {
		return ai.Envelope{}, f.err
	}
	return ai.Envelope{Candidate: ai.Candidates()[0], Body: []byte(f.body)}, nil
}

func newTestOrchestrator(p *fakeProber, n *fakeNegotiator) *Orchestrator {
	return New(Dependencies{
		Prober:     p,
		Negotiator: n,
		Loader:     storage.NewLoader(time.Second, nil),
	}, Options{Model: testModel, CheckModel: true, ProbeTimeout: time.Second})
}

func listed() *fakeProber {
	return &fakeProber{models: []ai.ModelInfo{{Name: testModel + ":latest", Family: "qwen2vl"}}}
}

func encode(t *testing.T, r Result) map[string]any {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestHandle_Success(t *testing.T) {
	n := &fakeNegotiator{body: `{"message":{"content":"{\"natural_text\": \"hello\"}"}}`}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{ID: "j1", Input: &Input{ImageB64: onePixelPNG(t)}})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "hello", res.OutputText)
	assert.Equal(t, testModel, res.Model)
	assert.Equal(t, "default", res.PromptType)
	assert.Equal(t, 0, res.BaseTextLength)
	assert.GreaterOrEqual(t, res.ElapsedSec, 0.0)

	require.Len(t, n.reqs, 1)
	req := n.reqs[0]
	assert.Equal(t, testModel, req.Model)
	assert.Equal(t, prompt.Build(prompt.ModeDefault, ""), req.Prompt)
	assert.Equal(t, []byte("\x89PNG"), req.ImagePNG[:4])

	m := encode(t, res)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "hello", m["output_text"])
	assert.Contains(t, m, "elapsed_sec")
	assert.Equal(t, 0.0, m["base_text_length"])
	assert.NotContains(t, m, "error")
}

func TestHandle_NonJSONOutputReturnedVerbatim(t *testing.T) {
	n := &fakeNegotiator{body: `{"response":"plain words"}`}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{Input: &Input{
		ImageB64:   onePixelPNG(t),
		PromptType: "structure",
		BaseText:   "สวัสดี",
	}})
	require.True(t, res.OK)
	assert.Equal(t, "plain words", res.OutputText)
	assert.Equal(t, "structure", res.PromptType)
	assert.Equal(t, 6, res.BaseTextLength)
	assert.Equal(t, prompt.Build(prompt.ModeStructure, "สวัสดี"), n.reqs[0].Prompt)
}

func TestHandle_PromptOverrideAndUnknownMode(t *testing.T) {
	n := &fakeNegotiator{body: `{"message":{"content":"x"}}`}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t), Prompt: "just read it"}})
	require.True(t, res.OK)
	assert.Equal(t, "just read it", n.reqs[0].Prompt)

	res = o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t), PromptType: "poetry"}})
	require.True(t, res.OK)
	assert.Equal(t, "poetry", res.PromptType)
	assert.Equal(t, prompt.Build(prompt.ModeDefault, ""), n.reqs[1].Prompt)
}

func TestHandle_MissingImageMakesNoCalls(t *testing.T) {
	p := listed()
	n := &fakeNegotiator{}
	o := newTestOrchestrator(p, n)

	for _, job := range []Job{{}, {Input: &Input{}}, {Input: &Input{PromptType: "structure", ImageURL: "  "}}} {
		res := o.Handle(context.Background(), job)
		assert.False(t, res.OK)
		assert.Equal(t, "Provide image_b64 or image_url", res.Error)
		assert.Equal(t, map[string]any{"ok": false, "error": "Provide image_b64 or image_url"}, encode(t, res))
	}
	assert.Zero(t, p.calls)
	assert.Empty(t, n.reqs)
}

func imageServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(onePixelPNG(t))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(raw)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandle_ServiceNotReady(t *testing.T) {
	var hits atomic.Int32
	img := imageServer(t, &hits)
	p := &fakeProber{err: context.DeadlineExceeded}
	n := &fakeNegotiator{}
	o := newTestOrchestrator(p, n)

	res := o.Handle(context.Background(), Job{Input: &Input{ImageURL: img.URL + "/page.png"}})
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Error, "Model service not ready: "), res.Error)
	assert.Zero(t, hits.Load())
	assert.Empty(t, n.reqs)
}

func TestHandle_ProbeTimeoutSkipsImageFetch(t *testing.T) {
	var hits atomic.Int32
	img := imageServer(t, &hits)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer slow.Close()

	prober, err := ai.NewProber(slow.URL, 50*time.Millisecond)
	require.NoError(t, err)
	n := &fakeNegotiator{}
	o := New(Dependencies{Prober: prober, Negotiator: n, Loader: storage.NewLoader(time.Second, nil)},
		Options{Model: testModel, CheckModel: true, ProbeTimeout: 50 * time.Millisecond})

	res := o.Handle(context.Background(), Job{Input: &Input{ImageURL: img.URL + "/page.png"}})
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Error, "Model service not ready: "), res.Error)
	assert.Zero(t, hits.Load())
	assert.Empty(t, n.reqs)

	// once ready, the same URL is fetched exactly once
	o.deps.Prober = listed()
	n.body = `{"message":{"content":"ok"}}`
	res = o.Handle(context.Background(), Job{Input: &Input{ImageURL: img.URL + "/page.png"}})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHandle_LogsImageSizeAndUnknownMode(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	n := &fakeNegotiator{body: `{"message":{"content":"x"}}`}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{ID: "j-log", Input: &Input{ImageB64: onePixelPNG(t), PromptType: "poetry"}})
	require.True(t, res.OK, res.Error)

	var normalized, unknown map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var ev map[string]any
		if json.Unmarshal([]byte(line), &ev) != nil {
			continue
		}
		switch ev["message"] {
		case "image normalized":
			normalized = ev
		case "unknown prompt_type, using default template":
			unknown = ev
		}
	}
	require.NotNil(t, normalized)
	assert.Equal(t, 1.0, normalized["width"])
	assert.Equal(t, 1.0, normalized["height"])
	require.NotNil(t, unknown)
	assert.Equal(t, "poetry", unknown["prompt_type"])

	buf.Reset()
	res = o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t), PromptType: "poetry", Prompt: "custom"}})
	require.True(t, res.OK)
	assert.NotContains(t, buf.String(), "unknown prompt_type")
}

func TestHandle_ModelNotFound(t *testing.T) {
	p := &fakeProber{models: []ai.ModelInfo{{Name: "llama3:8b"}, {Name: "llava:13b"}}}
	n := &fakeNegotiator{}
	o := newTestOrchestrator(p, n)

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	assert.False(t, res.OK)
	assert.Equal(t, "Model scb10x/typhoon-ocr-7b not found. Available models: [llama3:8b, llava:13b]", res.Error)
	assert.Empty(t, n.reqs)
}

func TestHandle_ModelCheckDisabled(t *testing.T) {
	p := &fakeProber{models: nil}
	n := &fakeNegotiator{body: `{"message":{"content":"ok"}}`}
	o := New(Dependencies{Prober: p, Negotiator: n, Loader: storage.NewLoader(time.Second, nil)},
		Options{Model: testModel, CheckModel: false})

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	assert.True(t, res.OK)
	assert.Equal(t, 1, p.calls)
}

func TestHandle_BadImage(t *testing.T) {
	n := &fakeNegotiator{}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: base64.StdEncoding.EncodeToString([]byte("definitely not an image"))}})
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Error, "Failed to process image: "), res.Error)
	assert.Empty(t, n.reqs)

	res = o.Handle(context.Background(), Job{Input: &Input{ImageB64: "%%%"}})
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Error, "Failed to process image: "), res.Error)
}

func TestHandle_NegotiationExhausted(t *testing.T) {
	n := &fakeNegotiator{err: &dispatcher.ExhaustedError{Candidates: 9, Attempts: 27, LastErr: errors.New("HTTP 400")}}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Error, "Failed to call model API: all payload formats and endpoints failed"), res.Error)
}

func TestHandle_PanicBecomesEnvelope(t *testing.T) {
	n := &fakeNegotiator{panic: true}
	o := newTestOrchestrator(listed(), n)

	var res Result
	assert.NotPanics(t, func() {
		res = o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	})
	assert.False(t, res.OK)
	assert.Equal(t, "negotiator exploded", res.Error)
}

func TestHandle_PDFPathWithoutBaseTextContinues(t *testing.T) {
	n := &fakeNegotiator{body: `{"message":{"content":"ok"}}`}
	o := newTestOrchestrator(listed(), n)

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t), PDFPath: "/tmp/doc.pdf"}})
	require.True(t, res.OK)
	assert.Equal(t, 0, res.BaseTextLength)
	assert.Contains(t, n.reqs[0].Prompt, "RAW_TEXT_START\n\nRAW_TEXT_END")
}

func TestHandle_CallerCancellationDoesNotAbortInference(t *testing.T) {
	n := &fakeNegotiator{body: `{"message":{"content":"done"}}`}
	o := newTestOrchestrator(listed(), n)

	ctx, cancel := context.WithCancel(context.Background())
	o.deps.Negotiator = negotiatorFunc(func(nctx context.Context, id string, req ai.Request) (ai.Envelope, error) {
		cancel()
		if nctx.Err() != nil {
			return ai.Envelope{}, nctx.Err()
		}
		return n.Negotiate(nctx, id, req)
	})
	res := o.Handle(ctx, Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	assert.True(t, res.OK, res.Error)
	assert.Equal(t, "done", res.OutputText)
}

func TestHandle_LimiterSlotTimeout(t *testing.T) {
	n := &fakeNegotiator{body: `{"message":{"content":"x"}}`}
	lim := limiter.New(1)
	o := New(Dependencies{Prober: listed(), Negotiator: n, Loader: storage.NewLoader(time.Second, nil), Limiter: lim},
		Options{Model: testModel, CheckModel: true})

	release, ok := lim.Allow(testModel)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := o.Handle(ctx, Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "inference slot")
	assert.Empty(t, n.reqs)

	release()
	res = o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	assert.True(t, res.OK)
	assert.Equal(t, 0, lim.InUse(testModel))
}

func TestHandleQueued(t *testing.T) {
	n := &fakeNegotiator{body: `{"message":{"content":"{\"natural_text\":\"queued\"}"}}`}
	o := newTestOrchestrator(listed(), n)

	ok, out := o.HandleQueued(context.Background(), "q1", json.RawMessage(`{"image_b64":"`+onePixelPNG(t)+`"}`))
	assert.True(t, ok)
	assert.Contains(t, string(out), `"output_text":"queued"`)

	ok, out = o.HandleQueued(context.Background(), "q2", nil)
	assert.False(t, ok)
	assert.JSONEq(t, `{"ok":false,"error":"Provide image_b64 or image_url"}`, string(out))

	ok, out = o.HandleQueued(context.Background(), "q3", json.RawMessage(`[1,2]`))
	assert.False(t, ok)
	assert.Contains(t, string(out), "invalid input")
}

type negotiatorFunc func(ctx context.Context, jobID string, req ai.Request) (ai.Envelope, error)

func (f negotiatorFunc) Negotiate(ctx context.Context, jobID string, req ai.Request) (ai.Envelope, error) {
	return f(ctx, jobID, req)
}

// TestHandle_EndToEnd drives the real prober and negotiator against a fake
// model server that only understands generate-style payloads.
func TestHandle_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var posts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"scb10x/typhoon-ocr-7b:latest","size":42,"details":{"family":"qwen2vl"}}]}`))
		case "/api/chat":
			mu.Lock()
			posts = append(posts, r.URL.Path)
			mu.Unlock()
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		case "/api/generate":
			mu.Lock()
			posts = append(posts, r.URL.Path)
			mu.Unlock()
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["images"]; !ok {
				http.Error(w, `{"error":"no images"}`, http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"response":"{\"natural_text\": \"hello\"}","done":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	prober, err := ai.NewProber(srv.URL, time.Second)
	require.NoError(t, err)
	neg := dispatcher.NewNegotiator(ai.NewServer(srv.URL, nil), prober, dispatcher.NegotiatorConfig{
		Attempts:         1,
		RetryDelay:       time.Millisecond,
		InferenceTimeout: time.Second,
		ProbeTimeout:     time.Second,
	})
	o := New(Dependencies{Prober: prober, Negotiator: neg, Loader: storage.NewLoader(time.Second, nil)},
		Options{Model: testModel, CheckModel: true, Sampling: ai.Sampling{Temperature: 0.1, TopP: 0.6, RepetitionPenalty: 1.2}})

	res := o.Handle(context.Background(), Job{Input: &Input{ImageB64: onePixelPNG(t)}})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "hello", res.OutputText)
	// chat x3 schemas, generate content_parts, generate inline_marker, generate prompt_images
	assert.Len(t, posts, 6)
}
