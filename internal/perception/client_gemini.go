package perception

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"gcodecheck/internal/logging"
)

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int32
}

// DefaultGeminiConfig returns sensible defaults for analysis calls.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:      apiKey,
		Model:       "gemini-2.0-flash",
		Timeout:     2 * time.Minute,
		Temperature: 0.1,
		MaxTokens:   8192,
	}
}

// GeminiClient implements Client on the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGeminiClient creates a Gemini client with default config.
func NewGeminiClient(apiKey string) (*GeminiClient, error) {
	return NewGeminiClientWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiClientWithConfig creates a Gemini client with custom config.
func NewGeminiClientWithConfig(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

func (c *GeminiClient) Name() string  { return "gemini" }
func (c *GeminiClient) Model() string { return c.cfg.Model }

// Complete sends a prompt and returns the completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, system, user string) (*Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model,
		genai.Text(user), c.generateConfig(system))
	if err != nil {
		logging.APIDebug("[gemini] generate failed after %v: %v", time.Since(start), err)
		return nil, &LLMError{Provider: "gemini", Err: err}
	}

	out := c.response(resp.Text(), resp.UsageMetadata, user)
	logging.APIDebug("[gemini] generate ok: %d in / %d out tokens in %v",
		out.InputTokens, out.OutputTokens, time.Since(start))
	return out, nil
}

// CompleteStream streams the completion, invoking onChunk per fragment.
func (c *GeminiClient) CompleteStream(ctx context.Context, system, user string, onChunk ChunkFunc) (*Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		text  string
		usage *genai.GenerateContentResponseUsageMetadata
	)
	for chunk, err := range c.client.Models.GenerateContentStream(ctx, c.cfg.Model,
		genai.Text(user), c.generateConfig(system)) {
		if err != nil {
			return nil, &LLMError{Provider: "gemini", Err: err}
		}
		part := chunk.Text()
		if part != "" {
			text += part
			if onChunk != nil {
				onChunk(part)
			}
		}
		if chunk.UsageMetadata != nil {
			usage = chunk.UsageMetadata
		}
	}
	return c.response(text, usage, user), nil
}

func (c *GeminiClient) generateConfig(system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.cfg.Temperature),
		MaxOutputTokens: c.cfg.MaxTokens,
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return cfg
}

func (c *GeminiClient) response(text string, usage *genai.GenerateContentResponseUsageMetadata, prompt string) *Response {
	out := &Response{Text: text}
	if usage != nil {
		out.InputTokens = int(usage.PromptTokenCount)
		out.OutputTokens = int(usage.CandidatesTokenCount)
	} else {
		out.InputTokens = EstimateTokens(prompt)
		out.OutputTokens = EstimateTokens(text)
	}
	return out
}

func (c *GeminiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); has {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}
