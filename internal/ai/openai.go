package ai

import (
    "encoding/json"
    "fmt"

    "github.com/ollama/ollama/api"
    "github.com/openai/openai-go"

    "github.com/local/ocrworker/internal/imagerender"
)

// contentPartsRequest is a chat request whose user message carries
// OpenAI-style content blocks, plus Ollama-style options.
type contentPartsRequest struct {
    Model    string                                   `json:"model"`
    Stream   bool                                     `json:"stream"`
    Messages []openai.ChatCompletionMessageParamUnion `json:"messages"`
    Options  map[string]any                           `json:"options"`
}

// generateRequest carries only the fields the generate schema defines.
type generateRequest struct {
    Model   string          `json:"model"`
    Prompt  string          `json:"prompt"`
    Images  []api.ImageData `json:"images"`
    Stream  bool            `json:"stream"`
    Options map[string]any  `json:"options"`
}

// BuildPayload renders req in the given schema as a JSON body.
func BuildPayload(schema Schema, req Request) ([]byte, error) {
    stream := false
    switch schema {
    case SchemaContentParts:
        parts := []openai.ChatCompletionContentPartUnionParam{
            {OfText: &openai.ChatCompletionContentPartTextParam{Text: req.Prompt}},
            {OfImageURL: &openai.ChatCompletionContentPartImageParam{
                ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: imagerender.DataURL(req.ImagePNG)},
            }},
        }
        return json.Marshal(contentPartsRequest{
            Model:  req.Model,
            Stream: stream,
            Messages: []openai.ChatCompletionMessageParamUnion{{
                OfUser: &openai.ChatCompletionUserMessageParam{
                    Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
                },
            }},
            Options: req.Sampling.Options(),
        })

    case SchemaInlineMarker:
        content := fmt.Sprintf("%s\n\n[IMAGE: %s]", req.Prompt, imagerender.DataURL(req.ImagePNG))
        return json.Marshal(api.ChatRequest{
            Model:    req.Model,
            Messages: []api.Message{{Role: "user", Content: content}},
            Stream:   &stream,
            Options:  req.Sampling.Options(),
        })

    case SchemaPromptImages:
        return json.Marshal(generateRequest{
            Model:   req.Model,
            Prompt:  req.Prompt,
            Images:  []api.ImageData{req.ImagePNG},
            Stream:  stream,
            Options: req.Sampling.Options(),
        })
    }
    return nil, fmt.Errorf("unknown payload schema %q", schema)
}
