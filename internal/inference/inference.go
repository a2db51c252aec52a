// Package inference implements collab.Inference on top of langchaingo.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	lcschema "github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/storyfactory/internal/collab"
)

const (
	defaultModel      = "gpt-4o"
	defaultRateLimit  = 2.0
	defaultBurst      = 1
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
	defaultMaxTokens  = 8192
)

// ErrEmptyResponse is returned when the backend produced no choices.
var ErrEmptyResponse = errors.New("empty response from model")

// Config configures a Client.
type Config struct {
	Model   string
	APIKey  string `json:"-"`
	BaseURL string
	// RequestsPerSecond caps the call rate across every stage sharing the client.
	RequestsPerSecond float64
	MaxRetries        int
	// Backoff is the delay before the first retry; it doubles on each attempt.
	Backoff time.Duration
}

// Client sends chat requests to an OpenAI-compatible endpoint.
type Client struct {
	llm        llms.Model
	model      string
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

var _ collab.Inference = (*Client)(nil)

// New creates a Client backed by langchaingo's OpenAI provider.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("inference API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewWithModel(llm, cfg, logger), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(llm llms.Model, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRateLimit
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		llm:        llm,
		model:      model,
		limiter:    rate.NewLimiter(rate.Limit(rps), defaultBurst),
		maxRetries: retries,
		backoff:    backoff,
		logger:     logger,
	}
}

// Complete returns the model's text reply.
func (c *Client) Complete(ctx context.Context, msgs []collab.Message, opts ...collab.CallOption) (string, error) {
	return c.generate(ctx, toContent(msgs), callOptions(c.model, collab.ApplyOptions(opts...), false))
}

// CompleteStructured asks for a JSON object and checks it carries every
// required key of schema.
func (c *Client) CompleteStructured(ctx context.Context, msgs []collab.Message, schema collab.Schema, opts ...collab.CallOption) (json.RawMessage, error) {
	content := append([]llms.MessageContent{llms.TextParts(lcschema.ChatMessageTypeSystem, schemaInstruction(schema))}, toContent(msgs)...)
	text, err := c.generate(ctx, content, callOptions(c.model, collab.ApplyOptions(opts...), true))
	if err != nil {
		return nil, err
	}
	return checkSchema(text, schema)
}

func (c *Client) generate(ctx context.Context, content []llms.MessageContent, opts []llms.CallOption) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := c.llm.GenerateContent(ctx, content, opts...)
		if err == nil {
			if len(resp.Choices) == 0 || resp.Choices[0] == nil {
				err = ErrEmptyResponse
			} else {
				return resp.Choices[0].Content, nil
			}
		}
		lastErr = err
		if !retryable(ctx, err) {
			return "", err
		}
		c.logger.Warn("inference attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryable treats everything except cancellation and client-side request
// errors as transient.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, code := range []string{"400", "401", "403", "404"} {
		if strings.Contains(msg, "status code: "+code) || strings.Contains(msg, "("+code+")") {
			return false
		}
	}
	return true
}

func callOptions(model string, o collab.CallOptions, jsonMode bool) []llms.CallOption {
	if o.Model != "" {
		model = o.Model
	}
	opts := []llms.CallOption{llms.WithModel(model), llms.WithMaxTokens(defaultMaxTokens)}
	if o.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*o.Temperature))
	}
	if jsonMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

func toContent(msgs []collab.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := lcschema.ChatMessageTypeHuman
		if m.Role == collab.RoleSystem {
			role = lcschema.ChatMessageTypeSystem
		}
		parts := []llms.ContentPart{llms.TextPart(m.Content)}
		for _, u := range m.ImageURLs {
			parts = append(parts, llms.ImageURLPart(u))
		}
		out = append(out, llms.MessageContent{Role: role, Parts: parts})
	}
	return out
}

func schemaInstruction(s collab.Schema) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Respond with a single JSON object (%s) and nothing else.", s.Name)
	if s.Description != "" {
		sb.WriteString(" " + s.Description)
	}
	if len(s.Required) > 0 {
		fmt.Fprintf(&sb, " Required keys: %s.", strings.Join(s.Required, ", "))
	}
	return sb.String()
}

// checkSchema extracts the JSON object from text and verifies its required keys.
func checkSchema(text string, s collab.Schema) (json.RawMessage, error) {
	raw := bytes.TrimSpace([]byte(text))
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil, &collab.SchemaViolation{Schema: s.Name, Reason: "no JSON object in response", Raw: text}
	}
	raw = raw[start : end+1]

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &collab.SchemaViolation{Schema: s.Name, Reason: err.Error(), Raw: text}
	}
	var missing []string
	for _, k := range s.Required {
		if v, ok := obj[k]; !ok || string(v) == "null" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &collab.SchemaViolation{Schema: s.Name, Reason: "missing " + strings.Join(missing, ", "), Raw: text}
	}
	return json.RawMessage(raw), nil
}
