package perception

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"gcodecheck/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// DefaultOpenAIConfig returns sensible defaults for analysis calls.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:      apiKey,
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Timeout:     2 * time.Minute,
		Temperature: 0.1,
		MaxTokens:   8192,
	}
}

// OpenAIClient implements Client for the OpenAI chat completions API.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIClient creates an OpenAI client with default config.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithConfig(DefaultOpenAIConfig(apiKey))
}

// NewOpenAIClientWithConfig creates an OpenAI client with custom config.
func NewOpenAIClientWithConfig(cfg OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a prompt and returns the completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, system, user string) (*Response, error) {
	body, err := c.do(ctx, c.request(system, user, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &LLMError{Provider: "openai", Err: err}
	}
	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &LLMError{Provider: "openai", Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &LLMError{Provider: "openai", Err: fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &LLMError{Provider: "openai", Err: fmt.Errorf("no choices in response")}
	}

	out := &Response{Text: parsed.Choices[0].Message.Content}
	c.fillUsage(out, parsed.Usage, user)
	return out, nil
}

// CompleteStream streams the completion over SSE, invoking onChunk per
// delta fragment.
func (c *OpenAIClient) CompleteStream(ctx context.Context, system, user string, onChunk ChunkFunc) (*Response, error) {
	req := c.request(system, user, true)
	req.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var (
		text  strings.Builder
		usage *openAIUsage
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logging.APIDebug("[openai] skipping malformed stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			text.WriteString(chunk.Choices[0].Delta.Content)
			if onChunk != nil {
				onChunk(chunk.Choices[0].Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &LLMError{Provider: "openai", Err: fmt.Errorf("stream read: %w", err)}
	}

	out := &Response{Text: text.String()}
	c.fillUsage(out, usage, user)
	return out, nil
}

func (c *OpenAIClient) request(system, user string, stream bool) openAIRequest {
	var messages []openAIMessage
	if system != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: system})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: user})
	return openAIRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      stream,
	}
}

// do issues the HTTP request and returns the response body on 200.
func (c *OpenAIClient) do(ctx context.Context, reqBody openAIRequest) (io.ReadCloser, error) {
	if c.cfg.APIKey == "" {
		return nil, &LLMError{Provider: "openai", Err: fmt.Errorf("API key not configured")}
	}
	// httpClient.Timeout bounds the whole exchange including body reads;
	// callers pass a context for cancellation on top of that.
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &LLMError{Provider: "openai", Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, &LLMError{Provider: "openai", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &LLMError{Provider: "openai", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &LLMError{Provider: "openai",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	logging.APIDebug("[openai] %s responded in %v", c.cfg.Model, time.Since(start))
	return resp.Body, nil
}

func (c *OpenAIClient) fillUsage(out *Response, usage *openAIUsage, prompt string) {
	if usage != nil {
		out.InputTokens = usage.PromptTokens
		out.OutputTokens = usage.CompletionTokens
		return
	}
	out.InputTokens = EstimateTokens(prompt)
	out.OutputTokens = EstimateTokens(out.Text)
}
