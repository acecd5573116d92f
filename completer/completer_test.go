package completer

import (
	"testing"

	"github.com/deepnoodle-ai/weave"
	"github.com/stretchr/testify/require"
)

func TestUserMessage(t *testing.T) {
	msg := UserMessage(weave.AIRequest{
		SelectedText: "the quick brown fox",
		Prompt:       "make it formal",
	})
	require.Equal(t, "Instruction: make it formal\n\nSelected text:\nthe quick brown fox", msg)
}
