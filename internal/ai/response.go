package ai

import (
    "bytes"
    "encoding/json"
    "strings"

    "github.com/tidwall/gjson"

    "github.com/local/ocrworker/internal/prompt"
)

// textPaths are the envelope locations of the model's answer, in lookup
// order: chat, OpenAI-compatible chat completion, generate.
var textPaths = []string{
    "message.content",
    "choices.0.message.content",
    "response",
}

// ExtractText returns the model's message text from a response envelope.
// Missing or non-string fields yield "".
func ExtractText(body []byte) string {
    if !gjson.ValidBytes(body) {
        return ""
    }
    for _, path := range textPaths {
        if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
            return r.Str
        }
    }
    return ""
}

// Interpret returns the natural_text field when text is a JSON object that
// carries it as a string, and text verbatim otherwise.
func Interpret(text string) string {
    trimmed := stripCodeFence(strings.TrimSpace(text))
    if !strings.HasPrefix(trimmed, "{") {
        return text
    }
    var rec map[string]json.RawMessage
    if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
        return text
    }
    raw, ok := rec[prompt.NaturalTextKey]
    if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
        return text
    }
    var out string
    if err := json.Unmarshal(raw, &out); err != nil {
        return text
    }
    return out
}

// stripCodeFence removes a surrounding ```json ... ``` fence.
func stripCodeFence(s string) string {
    if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
        return s
    }
    inner := strings.TrimSuffix(s[3:], "```")
    if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.Contains(inner[:nl], "{") {
        inner = inner[nl+1:]
    }
    return strings.TrimSpace(inner)
}
