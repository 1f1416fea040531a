// Package llm wraps the OpenAI-compatible chat completions API used by both
// conductor stages: the Planner streams free-form tokens that
// internal/plan.Parser consumes incrementally, and the Joiner requests a
// structured JSON response constrained to a fixed schema.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client is an OpenAI-compatible LLM client bound to one tier's credentials
// and model.
type Client struct {
	openai openai.Client
	model  string
	label  string // tier name used in debug log lines (e.g. "PLANNER", "JOINER")
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// openai-go client appends it itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL
func New() *Client {
	return NewTier("")
}

// NewTier creates a Client for a named tier (e.g. "PLANNER", "JOINER").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars,
// making it equivalent to New().
//
// Example — prefix "PLANNER" resolves credentials as:
//
//	PLANNER_API_KEY  → OPENAI_API_KEY
//	PLANNER_BASE_URL → OPENAI_BASE_URL
//	PLANNER_MODEL    → OPENAI_MODEL
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Empty prefix reads only OPENAI_* (identical to New())
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	label := prefix
	if label == "" {
		label = "LLM"
	}

	baseURL := normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL"))
	apiKey := get("API_KEY", "OPENAI_API_KEY")
	model := get("MODEL", "OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Client{
		openai: openai.NewClient(opts...),
		model:  model,
		label:  label,
	}
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TokenFunc is called once per streamed delta token, in order. Returning an
// error aborts the stream early.
type TokenFunc func(token string) error

// Stream sends a system + user prompt and invokes onToken for every text
// delta as it arrives, returning the full accumulated text and usage once
// the response completes. Used by the Planner stage, which feeds each token
// into internal/plan.Parser.Ingest as it streams.
func (c *Client) Stream(ctx context.Context, system, user string, onToken TokenFunc) (string, Usage, error) {
	log.Printf("[%s] ── SYSTEM PROMPT ──────────────────────────────\n%s\n── END SYSTEM ──────────────────────────────────", c.label, system)
	log.Printf("[%s] ── USER PROMPT ─────────────────────────────────\n%s\n── END USER ────────────────────────────────────", c.label, user)

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}

	stream := c.openai.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if onToken != nil {
			if err := onToken(delta); err != nil {
				return acc.Choices[0].Message.Content, usageFrom(acc.Usage), fmt.Errorf("llm: token handler: %w", err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", Usage{}, fmt.Errorf("llm: stream: %w", err)
	}

	if len(acc.Choices) == 0 {
		return "", Usage{}, errors.New("llm: no choices in streamed response")
	}

	content := acc.Choices[0].Message.Content
	usage := usageFrom(acc.Usage)
	log.Printf("[%s] ── RESPONSE (tokens: prompt=%d completion=%d) ──\n%s\n── END RESPONSE ────────────────────────────────",
		c.label, usage.PromptTokens, usage.CompletionTokens, content)
	return content, usage, nil
}

// Invoke sends a system + user prompt and constrains the response to the
// given JSON schema, unmarshalling the result into out. Used by the Joiner
// stage, which always expects a {thought, is_final, response, feedback}
// structured decision.
func (c *Client) Invoke(ctx context.Context, system, user, schemaName string, schema any, out any) (Usage, error) {
	log.Printf("[%s] ── SYSTEM PROMPT ──────────────────────────────\n%s\n── END SYSTEM ──────────────────────────────────", c.label, system)
	log.Printf("[%s] ── USER PROMPT ─────────────────────────────────\n%s\n── END USER ────────────────────────────────────", c.label, user)

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        schemaName,
					Description: openai.String("Structured response schema"),
					Schema:      schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	if err != nil {
		return Usage{}, fmt.Errorf("llm: chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Usage{}, errors.New("llm: no choices in response")
	}

	content := resp.Choices[0].Message.Content
	usage := usageFrom(resp.Usage)
	log.Printf("[%s] ── RESPONSE (%s, tokens: prompt=%d completion=%d) ──\n%s\n── END RESPONSE ────────────────────────────────",
		c.label, time.Since(start).Round(time.Millisecond), usage.PromptTokens, usage.CompletionTokens, content)

	if err := unmarshalJSON(content, out); err != nil {
		return usage, fmt.Errorf("llm: unmarshal structured response: %w", err)
	}
	return usage, nil
}

// GenerateSchema reflects T into a JSON schema suitable for the Schema field
// of Invoke, so callers never hand-maintain schema literals alongside the Go
// struct they describe.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// unmarshalJSON strips any reasoning wrapper a non-strict model might still
// emit around a JSON-schema response before decoding into out.
func unmarshalJSON(content string, out any) error {
	return json.Unmarshal([]byte(StripFences(content)), out)
}

func usageFrom(u openai.CompletionUsage) Usage {
	return Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models emit these before or between JSON objects. The blocks
// are not part of structured output and must be stripped before parsing.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) from LLM output,
// and also strips <think>...</think> reasoning blocks emitted by reasoning models.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
