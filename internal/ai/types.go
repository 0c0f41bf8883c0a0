package ai

import (
    "encoding/json"
)

// Endpoint is a model server path that may accept vision requests.
type Endpoint string

const (
    EndpointChat       Endpoint = "/api/chat"
    EndpointGenerate   Endpoint = "/api/generate"
    EndpointOpenAIChat Endpoint = "/v1/chat/completions"
)

// Schema identifies one payload layout for an image + prompt request.
type Schema string

const (
    // SchemaContentParts sends OpenAI-style text and image_url content blocks.
    SchemaContentParts Schema = "content_parts"
    // SchemaInlineMarker flattens the image into the message text as a data URL marker.
    SchemaInlineMarker Schema = "inline_marker"
    // SchemaPromptImages sends a generate-style prompt plus images array.
    SchemaPromptImages Schema = "prompt_images"
)

// Endpoints lists endpoints in the order they are tried.
var Endpoints = []Endpoint{EndpointChat, EndpointGenerate, EndpointOpenAIChat}

// Schemas lists payload schemas in the order they are tried on each endpoint.
var Schemas = []Schema{SchemaContentParts, SchemaInlineMarker, SchemaPromptImages}

// Candidate is one (endpoint, schema) pairing tried during negotiation.
type Candidate struct {
    Endpoint Endpoint
    Schema   Schema
}

func (c Candidate) String() string { return string(c.Endpoint) + "#" + string(c.Schema) }

// Candidates returns the fixed, endpoint-major candidate list.
func Candidates() []Candidate {
    out := make([]Candidate, 0, len(Endpoints)*len(Schemas))
    for _, e := range Endpoints {
        for _, s := range Schemas {
            out = append(out, Candidate{Endpoint: e, Schema: s})
        }
    }
    return out
}

// Sampling holds the decoding parameters sent in every payload's options.
type Sampling struct {
    Temperature       float64
    TopP              float64
    RepetitionPenalty float64
}

// Options renders sampling as the server-side options object.
func (s Sampling) Options() map[string]any {
    return map[string]any{
        "temperature":        s.Temperature,
        "top_p":              s.TopP,
        "repetition_penalty": s.RepetitionPenalty,
    }
}

// Request is the input to payload construction.
type Request struct {
    Model    string
    Prompt   string
    ImagePNG []byte
    Sampling Sampling
}

// Envelope is the raw JSON body returned by a successful candidate.
type Envelope struct {
    Candidate Candidate
    Body      json.RawMessage
}
