// Package completer defines the AI completion capability used by the
// request queue and the single-shot HTTP endpoint. A Completer takes the
// selected text and the user's rewrite instruction and returns the
// rewritten text; provider bindings live in the subpackages anthropic,
// openai, and google.
package completer

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/weave"
)

// DefaultSystemPrompt instructs the model to act as a rewrite engine. The
// reply is applied verbatim to the document, so the model must return only
// the rewritten text.
const DefaultSystemPrompt = `You are a writing assistant embedded in a collaborative text editor. ` +
	`Rewrite the user's selected text according to their instruction. ` +
	`Reply with the rewritten text only: no preamble, no quotes, no code fences.`

// Response is the outcome of a completion call. RetryCount reports how many
// retries the binding performed internally before succeeding.
type Response struct {
	Result     string
	RetryCount int
}

// Completer produces a rewrite of the request's selected text.
type Completer interface {
	// Name identifies the provider binding, e.g. "anthropic".
	Name() string

	// Complete performs the rewrite. Implementations honor ctx for
	// cancellation and deadlines and retry transient provider errors
	// internally.
	Complete(ctx context.Context, req weave.AIRequest) (*Response, error)
}

// UserMessage renders the canonical user-turn content for a rewrite
// request. All provider bindings share this layout so response caching is
// stable across providers.
func UserMessage(req weave.AIRequest) string {
	return fmt.Sprintf("Instruction: %s\n\nSelected text:\n%s", req.Prompt, req.SelectedText)
}
