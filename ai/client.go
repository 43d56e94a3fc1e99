package ai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/korjavin/tutorbot/logger"
	"github.com/korjavin/tutorbot/models"
)

const (
	DefaultModel   = "gpt-4"
	defaultTimeout = 60 * time.Second
)

// Options holds the sampling parameters sent with every request
type Options struct {
	Model            string
	Temperature      float32
	MaxTokens        int
	TopP             float32
	FrequencyPenalty float32
	PresencePenalty  float32
	Timeout          time.Duration
}

// DefaultOptions returns the parameters the tutor was tuned with
func DefaultOptions() Options {
	return Options{
		Model:       DefaultModel,
		Temperature: 0.7,
		MaxTokens:   1500,
		TopP:        1,
		Timeout:     defaultTimeout,
	}
}

// Client talks to an OpenAI compatible chat completions endpoint
type Client struct {
	api  *openai.Client
	opts Options
	log  *logger.Logger
}

// NewClient creates a completion client. An empty baseURL selects the OpenAI API;
// any OpenAI compatible endpoint (DeepSeek, a local gateway) can be used instead.
func NewClient(apiKey, baseURL string, opts Options, log *logger.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		api:  openai.NewClientWithConfig(cfg),
		opts: opts,
		log:  log.With("component", "ai"),
	}
}

// Complete sends the conversation and returns the trimmed content of the first choice
func (c *Client) Complete(ctx context.Context, messages []models.Message) (string, error) {
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:            c.opts.Model,
		Messages:         make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature:      c.opts.Temperature,
		MaxTokens:        c.opts.MaxTokens,
		TopP:             c.opts.TopP,
		FrequencyPenalty: c.opts.FrequencyPenalty,
		PresencePenalty:  c.opts.PresencePenalty,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	if payload, err := json.Marshal(req); err == nil {
		c.log.Debug("completion request", "payload", logger.Truncate(string(payload), 200))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, req)
	duration := time.Since(startTime)
	if err != nil {
		c.log.Error("completion request failed", "error", err, "duration", duration)
		return "", &TransportError{Err: err}
	}

	if len(resp.Choices) == 0 {
		c.log.Error("no choices in completion response", "id", resp.ID)
		return "", &ProtocolError{Reason: "no choices in response"}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		c.log.Error("empty message in completion response", "id", resp.ID)
		return "", &ProtocolError{Reason: "first choice has no message content"}
	}

	c.log.Debug("completion response",
		"duration", duration,
		"content_length", len(content),
		"content", logger.Truncate(content, 300),
	)
	return content, nil
}
