// Package perception is the LLM gateway: provider clients behind one
// interface, token estimation, and the factory that picks a provider from
// configuration.
package perception

import (
	"context"
	"fmt"
)

// Response is one completed model call. Token counts come from the
// provider when available, otherwise from the local estimate.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ChunkFunc receives streamed text fragments as they arrive.
type ChunkFunc func(chunk string)

// Client is the provider-neutral model interface. CompleteStream invokes
// onChunk for every fragment and still returns the assembled response.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
	CompleteWithSystem(ctx context.Context, system, user string) (*Response, error)
	CompleteStream(ctx context.Context, system, user string, onChunk ChunkFunc) (*Response, error)
	Name() string
	Model() string
}

// LLMError wraps any transport or parse failure from a provider. Callers
// treat it as recoverable: validation keeps the issue, assessment falls
// back to a placeholder.
type LLMError struct {
	Provider string
	Err      error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Provider, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// EstimateTokens approximates the token count of a prompt: ASCII runs
// about 4 chars per token, CJK about 2, plus a fixed request overhead.
func EstimateTokens(text string) int {
	ascii, other := 0, 0
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	return ascii/4 + other/2 + 100
}
