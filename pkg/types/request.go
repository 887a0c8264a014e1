// Package types defines core data structures for LLM API requests and responses.
// All types are designed to be compatible with OpenAI's Chat Completion API format.
package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// ChatRequest represents an OpenAI-compatible chat completion request. Only
// the fields the switchboard itself reads — for token estimation, model
// selection, and streaming control — are modeled explicitly. Everything
// else the caller sends (tools, tool_choice, response_format,
// stream_options, or any other provider-specific parameter) flows through
// Extra and is forwarded to the deployment unchanged; the switchboard
// doesn't need to understand tool-calling or response-shaping semantics to
// balance load across deployments.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	N                int           `json:"n,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	User             string        `json:"user,omitempty"`

	// Extra holds every field the caller sent that isn't modeled above,
	// for zero-copy forwarding of unknown or provider-specific parameters.
	Extra map[string]json.RawMessage `json:"-"`
}

var chatRequestKnownFields = map[string]struct{}{
	"model":             {},
	"messages":          {},
	"stream":            {},
	"max_tokens":        {},
	"temperature":       {},
	"top_p":             {},
	"n":                 {},
	"stop":              {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"user":              {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type Alias ChatRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ChatRequest(parsed)
	for key := range chatRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// ChatMessage represents a single message in the conversation.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}
