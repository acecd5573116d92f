// Package google binds the completer interface to the Gemini API through
// the google.golang.org/genai SDK.
package google

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/retry"
	"google.golang.org/genai"
)

var (
	DefaultModel         = "gemini-2.5-flash"
	DefaultMaxTokens     = 4096
	DefaultMaxRetries    = 3
	DefaultRetryBaseWait = time.Second
)

var _ completer.Completer = &Completer{}

type Completer struct {
	apiKey        string
	projectID     string
	location      string
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
	systemPrompt  string

	mutex  sync.Mutex
	client *genai.Client
}

type Option func(*Completer)

func WithAPIKey(apiKey string) Option {
	return func(c *Completer) { c.apiKey = apiKey }
}

func WithProjectID(projectID string) Option {
	return func(c *Completer) { c.projectID = projectID }
}

func WithLocation(location string) Option {
	return func(c *Completer) { c.location = location }
}

func WithModel(model string) Option {
	return func(c *Completer) { c.model = model }
}

func WithMaxTokens(maxTokens int) Option {
	return func(c *Completer) { c.maxTokens = maxTokens }
}

func WithMaxRetries(maxRetries int) Option {
	return func(c *Completer) { c.maxRetries = maxRetries }
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Completer) { c.systemPrompt = prompt }
}

// New creates a Gemini-backed completer. The API key defaults to
// GEMINI_API_KEY, falling back to GOOGLE_API_KEY.
func New(opts ...Option) *Completer {
	var apiKey string
	if value := os.Getenv("GEMINI_API_KEY"); value != "" {
		apiKey = value
	} else if value := os.Getenv("GOOGLE_API_KEY"); value != "" {
		apiKey = value
	}
	c := &Completer{
		apiKey:        apiKey,
		model:         DefaultModel,
		maxTokens:     DefaultMaxTokens,
		maxRetries:    DefaultMaxRetries,
		retryBaseWait: DefaultRetryBaseWait,
		systemPrompt:  completer.DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Completer) Name() string {
	return "google"
}

func (c *Completer) initClient(ctx context.Context) (*genai.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:   c.apiKey,
		Project:  c.projectID,
		Location: c.location,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google genai client: %w", err)
	}
	c.client = client
	return c.client, nil
}

func (c *Completer) Complete(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
	client, err := c.initClient(ctx)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(c.maxTokens),
	}
	if c.systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(c.systemPrompt)},
		}
	}
	contents := genai.Text(completer.UserMessage(req))

	var attempts int
	var text string
	err = retry.Do(ctx, func() error {
		attempts++
		resp, err := client.Models.GenerateContent(ctx, c.model, contents, config)
		if err != nil {
			return fmt.Errorf("error making request: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			return retry.MarkPermanent(fmt.Errorf("empty response from google genai"))
		}
		text = resp.Text()
		return nil
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(c.retryBaseWait))
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("empty response from google genai")
	}
	return &completer.Response{Result: text, RetryCount: attempts - 1}, nil
}
