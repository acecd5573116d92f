// Package openai binds the completer interface to the OpenAI Responses
// API through the official SDK.
package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

var (
	DefaultModel     = openai.ChatModelGPT4o
	DefaultMaxTokens = 4096
)

var _ completer.Completer = &Completer{}

type Completer struct {
	client       openai.Client
	model        openai.ChatModel
	maxTokens    int
	systemPrompt string
	options      []option.RequestOption
}

type Option func(*Completer)

func WithAPIKey(apiKey string) Option {
	return func(c *Completer) {
		c.options = append(c.options, option.WithAPIKey(apiKey))
	}
}

func WithEndpoint(endpoint string) Option {
	return func(c *Completer) {
		c.options = append(c.options, option.WithBaseURL(endpoint))
	}
}

func WithClient(client *http.Client) Option {
	return func(c *Completer) {
		c.options = append(c.options, option.WithHTTPClient(client))
	}
}

func WithModel(model string) Option {
	return func(c *Completer) { c.model = model }
}

func WithMaxTokens(maxTokens int) Option {
	return func(c *Completer) { c.maxTokens = maxTokens }
}

func WithMaxRetries(maxRetries int) Option {
	return func(c *Completer) {
		c.options = append(c.options, option.WithMaxRetries(maxRetries))
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Completer) { c.systemPrompt = prompt }
}

// New creates an OpenAI-backed completer. The API key defaults to the
// OPENAI_API_KEY environment variable, which the SDK reads itself.
func New(opts ...Option) *Completer {
	c := &Completer{
		model:        DefaultModel,
		maxTokens:    DefaultMaxTokens,
		systemPrompt: completer.DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = openai.NewClient(c.options...)
	return c
}

func (c *Completer) Name() string {
	return "openai"
}

func (c *Completer) Complete(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(completer.UserMessage(req)),
		},
		Instructions:    openai.String(c.systemPrompt),
		MaxOutputTokens: openai.Int(int64(c.maxTokens)),
	}
	response, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	text := response.OutputText()
	if text == "" {
		return nil, fmt.Errorf("empty response from openai api")
	}
	return &completer.Response{Result: text}, nil
}
