// Package anthropic binds the completer interface to the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/retry"
)

var (
	DefaultModel         = "claude-sonnet-4-20250514"
	DefaultEndpoint      = "https://api.anthropic.com/v1/messages"
	DefaultMaxTokens     = 4096
	DefaultClient        = &http.Client{Timeout: 300 * time.Second}
	DefaultMaxRetries    = 6
	DefaultRetryBaseWait = 1 * time.Second
	DefaultVersion       = "2023-06-01"
)

var _ completer.Completer = &Completer{}

type Completer struct {
	client        *http.Client
	apiKey        string
	endpoint      string
	model         string
	maxTokens     int
	maxRetries    int
	retryBaseWait time.Duration
	version       string
	systemPrompt  string
}

type Option func(*Completer)

func WithAPIKey(apiKey string) Option {
	return func(c *Completer) { c.apiKey = apiKey }
}

func WithEndpoint(endpoint string) Option {
	return func(c *Completer) { c.endpoint = endpoint }
}

func WithClient(client *http.Client) Option {
	return func(c *Completer) { c.client = client }
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

func WithRetryBaseWait(d time.Duration) Option {
	return func(c *Completer) { c.retryBaseWait = d }
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Completer) { c.systemPrompt = prompt }
}

func New(opts ...Option) *Completer {
	c := &Completer{
		apiKey:        os.Getenv("ANTHROPIC_API_KEY"),
		endpoint:      DefaultEndpoint,
		client:        DefaultClient,
		model:         DefaultModel,
		maxTokens:     DefaultMaxTokens,
		maxRetries:    DefaultMaxRetries,
		retryBaseWait: DefaultRetryBaseWait,
		version:       DefaultVersion,
		systemPrompt:  completer.DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Completer) Name() string {
	return "anthropic"
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type response struct {
	Content []contentBlock `json:"content"`
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("anthropic api error (status %d): %s", e.status, e.body)
}

func (e *apiError) StatusCode() int { return e.status }

func (c *Completer) Complete(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is not set")
	}
	body, err := json.Marshal(request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    c.systemPrompt,
		Messages:  []message{{Role: "user", Content: completer.UserMessage(req)}},
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	var result response
	var attempts int
	err = retry.Do(ctx, func() error {
		attempts++
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", c.version)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("error making request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(resp.Body)
			return &apiError{status: resp.StatusCode, body: string(errBody)}
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
		return nil
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(c.retryBaseWait))
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("empty response from anthropic api")
	}
	return &completer.Response{Result: sb.String(), RetryCount: attempts - 1}, nil
}
