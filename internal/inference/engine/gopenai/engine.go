// Package gopenai backs engine.Engine with the hosted OpenAI API through the
// go-openai SDK.
package gopenai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine"
)

type Engine struct {
	client *openai.Client
}

func New(cfg config.EngineConfig) (*Engine, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api_key required")
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &Engine{client: openai.NewClientWithConfig(c)}, nil
}

func (e *Engine) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	em, err := embeddingModel(model)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: em,
	})
	if err != nil {
		return nil, wrapError(err)
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("embeddings missing index=%d (model=%s)", i, model)
		}
	}
	return out, nil
}

// embeddingModel maps a model name onto the SDK's embedding enum. Names the
// SDK does not know decode to Unknown, which the API would reject anyway.
func embeddingModel(name string) (openai.EmbeddingModel, error) {
	var em openai.EmbeddingModel
	if err := em.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return openai.Unknown, fmt.Errorf("embedding model %q: %w", name, err)
	}
	if em == openai.Unknown {
		return openai.Unknown, fmt.Errorf("unsupported embedding model %q", name)
	}
	return em, nil
}

// GenerateText sends a chat completion. JSON schemas are enforced through a
// trailing system instruction and validated on return.
func (e *Engine) GenerateText(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 {
		return "", errors.New("no messages")
	}
	if opts.JSONSchema != nil {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: schemaInstruction(opts.JSONSchema),
		})
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(opts.Temperature),
	})
	if err != nil {
		return "", wrapError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("empty upstream completion")
	}
	text := resp.Choices[0].Message.Content
	if opts.JSONSchema != nil && opts.JSONSchema.Strict {
		text = stripFence(text)
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return "", fmt.Errorf("invalid json: %w", err)
		}
	}
	return text, nil
}

func schemaInstruction(s *engine.JSONSchema) string {
	var b strings.Builder
	b.WriteString("Return ONLY a valid JSON value that conforms to the provided JSON Schema. Do not include markdown or commentary.")
	if s.Schema != nil {
		if raw, err := json.Marshal(s.Schema); err == nil {
			b.WriteString("\nSchema:\n")
			b.Write(raw)
		}
	}
	return b.String()
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// statusError exposes the SDK's HTTP status to httpx.IsRetryableError.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string       { return e.err.Error() }
func (e *statusError) Unwrap() error       { return e.err }
func (e *statusError) HTTPStatusCode() int { return e.status }

func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &statusError{status: apiErr.HTTPStatusCode, err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &statusError{status: reqErr.HTTPStatusCode, err: err}
	}
	return err
}
