package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouter speaks the OpenAI-compatible chat completions API.
type OpenRouter struct {
	model   string
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

func NewOpenRouter(model string, opts Options) (*OpenRouter, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENROUTER_API_KEY", ErrMissingAPIKey)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOpenRouterURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.defaults()
	return &OpenRouter{model: model, opts: opts, http: &http.Client{}, limiter: opts.limiter()}, nil
}

func (c *OpenRouter) Provider() string { return ProviderOpenRouter }
func (c *OpenRouter) Model() string    { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenRouter) Complete(ctx context.Context, req Request) (Response, error) {
	body := chatRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSONMode {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{Model: c.model}, err
	}

	return withRetry(ctx, ProviderOpenRouter, c.opts, c.limiter, func(ctx context.Context) (Response, bool, error) {
		return c.attempt(ctx, payload)
	})
}

func (c *OpenRouter) attempt(ctx context.Context, payload []byte) (Response, bool, error) {
	out := Response{Model: c.model}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return out, false, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	hreq.Header.Set("HTTP-Referer", "https://github.com/atmx/arena-engine")
	hreq.Header.Set("X-Title", "Arena Engine")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return out, true, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, true, fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}

	var cr chatResponse
	_ = json.Unmarshal(raw, &cr)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if cr.Error != nil && cr.Error.Message != "" {
			msg = cr.Error.Message
		}
		return out, transient(resp.StatusCode), classify(resp.StatusCode, msg)
	}
	if cr.Error != nil {
		return out, false, classify(resp.StatusCode, cr.Error.Message)
	}

	out.PromptTokens = cr.Usage.PromptTokens
	out.CompletionTokens = cr.Usage.CompletionTokens
	if cr.Model != "" {
		out.Model = cr.Model
	}
	if len(cr.Choices) == 0 {
		return out, false, ErrEmptyResponse
	}
	if cr.Choices[0].FinishReason == "content_filter" {
		return out, false, fmt.Errorf("%w: finish_reason content_filter", ErrSafetyBlocked)
	}
	out.Content = cr.Choices[0].Message.Content
	if strings.TrimSpace(out.Content) == "" {
		return out, false, ErrEmptyResponse
	}
	return out, false, nil
}
